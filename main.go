package main

import (
	"fmt"
	"os"
)

// Target and debug globals, set once by the argv loop.
var targetTriple = "aarch64-apple-darwin"

const usage = "usage: cotc [-o output.o] [-target triple] [-no-opt] <file.cot>\n"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the driver: parse -> check -> lower -> per-function pipeline
// -> object write. Exit codes: 0 success, 1 reported compilation
// errors, 2 internal invariant violation.
func run(args []string) int {
	outputPath := "out.o"
	var srcPath string
	i := 0
	for i < len(args) {
		switch {
		case args[i] == "-o" && i+1 < len(args):
			outputPath = args[i+1]
			i += 2
		case args[i] == "-target" && i+1 < len(args):
			targetTriple = args[i+1]
			i += 2
		case args[i] == "-no-opt":
			optimizeEnabled = false
			i++
		default:
			if len(args[i]) > 0 && args[i][0] == '-' {
				fmt.Fprintf(os.Stderr, "unknown flag %s\n%s", args[i], usage)
				return 1
			}
			if srcPath != "" {
				fmt.Fprintf(os.Stderr, "multiple source files given\n%s", usage)
				return 1
			}
			srcPath = args[i]
			i++
		}
	}
	if srcPath == "" {
		fmt.Fprint(os.Stderr, usage)
		return 1
	}
	if targetTriple != "aarch64-apple-darwin" {
		fmt.Fprintf(os.Stderr, "unsupported target %s: this backend emits ARM64 Mach-O only\n", targetTriple)
		return 1
	}

	tr := NewTracer(os.Getenv("DEBUG_PHASES"), os.Stderr)

	src, err := os.ReadFile(srcPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cotc: %v\n", err)
		return 1
	}

	errs := NewErrorReporter()
	ast := Parse(string(src), errs)
	if report(errs, srcPath) {
		return 1
	}

	reg := NewTypeRegistry()
	cm := Check(ast, reg, errs)
	if report(errs, srcPath) {
		return 1
	}

	mod := lowerModule(cm, errs)
	if report(errs, srcPath) {
		return 1
	}
	if mod.FuncByName("main") == nil {
		fmt.Fprintf(os.Stderr, "%s: no main function\n", srcPath)
		return 1
	}

	eliminateDeadFunctions(mod)
	tr.Trace(TraceIR, "ir: %d funcs, %d globals, %d string literals after dce",
		len(mod.Funcs), len(mod.Globals), len(mod.Strings))

	w, err := CompileToObject(mod, tr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cotc: internal error: %v\n", err)
		return 2
	}
	if err := w.Write(outputPath); err != nil {
		if ce, ok := err.(*CompileError); ok {
			fmt.Fprintf(os.Stderr, "cotc: internal error: %v\n", ce)
			return 2
		}
		fmt.Fprintf(os.Stderr, "cotc: %v\n", err)
		return 1
	}
	return 0
}

// report prints collected user errors; true when any exist.
func report(errs *ErrorReporter, path string) bool {
	if !errs.HasErrors() {
		return false
	}
	for _, e := range errs.Errors {
		fmt.Fprintf(os.Stderr, "%s:+%d: %s\n", path, e.Pos.Start, e.Msg)
	}
	if n := errs.Dropped(); n > 0 {
		fmt.Fprintf(os.Stderr, "%s: %d further errors not shown\n", path, n)
	}
	return true
}

// CompileToObject runs the core pipeline over every function and
// accumulates the object. Functions are processed one at a time; the
// type registry and the writer are the only state shared across them.
func CompileToObject(mod *IRModule, tr *Tracer) (*ObjectWriter, error) {
	w := NewObjectWriter()
	for h, s := range mod.Strings {
		w.AddStringLit(h, s)
	}
	for _, g := range mod.Globals {
		w.AddGlobal(g.Name, mod.Types.SizeOf(g.Type), g.Init)
	}
	for _, irf := range mod.Funcs {
		code, relocs, err := compileFunc(mod, irf, tr)
		if err != nil {
			return nil, err
		}
		w.AddFunc(irf.Name, code, relocs)
	}
	return w, nil
}

// compileFunc runs one function through SSA build, the pass pipeline,
// register and stack allocation, and emission.
func compileFunc(mod *IRModule, irf *IRFunc, tr *Tracer) ([]byte, []Reloc, error) {
	f, err := buildSSA(mod, irf, tr)
	if err != nil {
		return nil, nil, err
	}
	if err := runPasses(f, tr); err != nil {
		return nil, nil, err
	}
	if err := regalloc(f, tr); err != nil {
		return nil, nil, err
	}
	tr.Trace(TraceRegalloc, "regalloc %s: %d values, callee-saves %#x",
		f.Name, f.NumValues(), uint32(f.UsedCalleeSaves))
	frame := allocFrame(f, irf)
	return emitFunc(f, irf, frame, tr)
}
