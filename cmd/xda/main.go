// The xda tool disassembles x86 and x86_64 binary executables into a
// recovered program structure: instructions, basic blocks, function entry
// points and an intra-procedural control flow graph. The recovered stores
// are written to an analysis project directory.
package main

import (
	"io/ioutil"
	"log"
	"os"
	"strings"

	"github.com/kr/pretty"
	"github.com/mewkiz/pkg/term"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"github.com/xda-re/xda/bin"
	"github.com/xda-re/xda/bin/elf"
	"github.com/xda-re/xda/bin/pe"
	"github.com/xda-re/xda/disasm/x86"
	"github.com/xda-re/xda/project"
)

var (
	// dbg is a logger which logs debug messages with "xda:" prefix to standard
	// error.
	dbg = log.New(os.Stderr, term.MagentaBold("xda:")+" ", 0)
)

func main() {
	app := cli.NewApp()
	app.Name = "xda"
	app.Usage = "disassemble x86 and x86_64 binary executables"
	app.Commands = []cli.Command{
		{
			Name:      "disasm",
			Usage:     "Disassemble a binary executable into a project directory",
			ArgsUsage: "<binary>",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "q",
					Usage: "suppress non-error messages",
				},
				cli.BoolFlag{
					Name:  "v",
					Usage: "dump recovered basic blocks",
				},
				cli.StringFlag{
					Name:  "o",
					Usage: "project directory (default: <binary>.xda)",
				},
			},
			Action: disasmMain,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

// disasmMain implements the disasm command.
func disasmMain(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.NewExitError("usage: xda disasm [-q] [-v] [-o dir] <binary>", 1)
	}
	if ctx.Bool("q") {
		dbg.SetOutput(ioutil.Discard)
		x86.SetDebugOutput(ioutil.Discard)
	}
	binPath := ctx.Args().First()
	dir := ctx.String("o")
	if dir == "" {
		dir = binPath + ".xda"
	}

	file, err := loadImage(binPath)
	if err != nil {
		return cli.NewExitError(pretty.Sprintf("%+v", err), 1)
	}
	seeds, err := project.LoadSeeds(dir)
	if err != nil {
		return cli.NewExitError(pretty.Sprintf("%+v", err), 1)
	}

	dbg.Printf("disassembling %q (%s)", binPath, file.Arch())
	d, err := x86.NewDisasm(file, &x86.Options{Funcs: seeds})
	if err != nil {
		return cli.NewExitError(pretty.Sprintf("%+v", err), 1)
	}
	defer d.Close()
	if err := d.Disassemble(); err != nil {
		return cli.NewExitError(pretty.Sprintf("%+v", err), 1)
	}
	if err := project.Save(dir, d); err != nil {
		return cli.NewExitError(pretty.Sprintf("%+v", err), 1)
	}

	dbg.Printf("%d basic blocks", len(d.BasicBlocks()))
	dbg.Printf("%d functions", len(d.Functions()))
	if ctx.Bool("v") {
		for _, addr := range d.Functions() {
			pretty.Println(d.FunctionAt(addr))
		}
	}
	return nil
}

// loadImage parses the binary executable at the given path, sniffing its
// format from the leading magic bytes.
func loadImage(path string) (*bin.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	magic := make([]byte, 4)
	_, err = f.Read(magic)
	f.Close()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	switch {
	case strings.HasPrefix(string(magic), "MZ"):
		return pe.Load(path)
	case string(magic) == "\x7FELF":
		return elf.Load(path)
	}
	return nil, errors.Errorf("unknown binary format of %q", path)
}
