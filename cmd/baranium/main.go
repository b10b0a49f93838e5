// Baranium CLI - runs compiled Baranium scripts and libraries
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/GAMINGNOOBdev/baranium-sub001/manifest"
	"github.com/GAMINGNOOBdev/baranium-sub001/module"
	"github.com/GAMINGNOOBdev/baranium-sub001/vm"
	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"
)

// options collects everything needed for one run, from flags and the
// manifest.
type options struct {
	entry      string
	scripts    []string
	libraries  []string
	extensions []manifest.Extension
	maxTicks   uint64
	dumpPath   string
	disasm     bool
	lockPath   string
	writeLock  bool
}

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	verbosity := flag.Int("verbosity", 0, "Log verbosity (-4 silent, 0 notice, 2 debug)")
	logFile := flag.String("log", "", "Write logs to this file instead of stderr")
	mainEntry := flag.String("m", "", "Function to run, by name or numeric id (default: manifest entry or 'main')")
	maxTicks := flag.Uint64("max-ticks", 0, "Stop after this many instructions (0 = unlimited)")
	dumpPath := flag.String("dump", "", "Write a CBOR snapshot of the final VM state to this file")
	disasm := flag.Bool("disasm", false, "Disassemble the loaded functions instead of running")
	writeLock := flag.Bool("write-lock", false, "Pin the digests of the loaded modules in the lock file")
	noManifest := flag.Bool("no-manifest", false, "Ignore baranium.toml")

	var libs []string
	flag.Func("lib", "Load a library (repeatable)", func(s string) error {
		libs = append(libs, s)
		return nil
	})
	var exts []manifest.Extension
	flag.Func("ext", "Attach an extension to a library, as library=extension.so (repeatable)", func(s string) error {
		lib, so, ok := strings.Cut(s, "=")
		if !ok || lib == "" || so == "" {
			return fmt.Errorf("want library=extension.so, got %q", s)
		}
		exts = append(exts, manifest.Extension{Library: lib, Path: so})
		return nil
	})

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: baranium [options] [modules...]\n\n")
		fmt.Fprintf(os.Stderr, "Loads compiled scripts (.bbin) and libraries (.blib) and runs an entry function.\n")
		fmt.Fprintf(os.Stderr, "Without module arguments the nearest baranium.toml is used.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  baranium main.bbin                      # Run 'main' from main.bbin\n")
		fmt.Fprintf(os.Stderr, "  baranium -lib math.blib main.bbin -m go # Load a library, run 'go'\n")
		fmt.Fprintf(os.Stderr, "  baranium -disasm main.bbin              # Print the bytecode\n")
		fmt.Fprintf(os.Stderr, "  baranium                                # Run the project in baranium.toml\n")
	}
	flag.Parse()

	opts := options{
		libraries:  libs,
		extensions: exts,
		maxTicks:   *maxTicks,
		dumpPath:   *dumpPath,
		disasm:     *disasm,
		writeLock:  *writeLock,
	}
	for _, path := range flag.Args() {
		if strings.EqualFold(filepath.Ext(path), ".blib") {
			opts.libraries = append(opts.libraries, path)
		} else {
			opts.scripts = append(opts.scripts, path)
		}
	}

	level := *verbosity
	if *verbose && level < 1 {
		level = 1
	}
	var logPath *string
	if *logFile != "" {
		logPath = logFile
	}

	if len(flag.Args()) == 0 && !*noManifest {
		m, err := manifest.FindAndLoad(".")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if m == nil {
			flag.Usage()
			os.Exit(2)
		}
		applyManifest(&opts, m)
		if m.Log.Verbosity > level {
			level = m.Log.Verbosity
		}
		if logPath == nil && m.LogPath() != "" {
			p := m.LogPath()
			logPath = &p
		}
		for _, key := range m.Unknown {
			fmt.Fprintf(os.Stderr, "Warning: unknown manifest key %s\n", key)
		}
	}
	commonlog.Configure(level, logPath)

	if *mainEntry != "" {
		opts.entry = *mainEntry
	}
	if opts.entry == "" {
		opts.entry = "main"
	}

	code, err := run(opts, *verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

// applyManifest fills in whatever the command line left unset.
func applyManifest(opts *options, m *manifest.Manifest) {
	opts.entry = m.Runtime.Entry
	opts.scripts = append(opts.scripts, m.ScriptPaths()...)
	opts.libraries = append(opts.libraries, m.LibraryPaths()...)
	opts.extensions = append(opts.extensions, m.ExtensionPaths()...)
	if opts.maxTicks == 0 {
		opts.maxTicks = m.Runtime.MaxTicks
	}
	opts.lockPath = m.LockFilePath()
}

// run loads the modules and executes the entry function. The returned code
// is the process exit status.
func run(opts options, verbose bool) (int, error) {
	rt := vm.NewRuntime()
	vm.SetActive(rt)
	defer rt.Destroy()
	rt.SetMaxTicks(opts.maxTicks)

	var lock *manifest.LockFile
	if opts.lockPath != "" {
		var err error
		if lock, err = manifest.ReadLock(opts.lockPath); err != nil {
			return 1, err
		}
	}
	if lock == nil {
		lock = &manifest.LockFile{}
	}

	libraries := make(map[string]*module.Module)
	for _, path := range opts.libraries {
		mod, err := rt.LoadLibrary(path)
		if err != nil {
			return 1, err
		}
		libraries[filepath.Clean(path)] = mod
	}
	for _, e := range opts.extensions {
		mod, ok := libraries[filepath.Clean(e.Library)]
		if !ok {
			return 1, fmt.Errorf("extension %s names library %s, which is not loaded", e.Path, e.Library)
		}
		if _, err := rt.AttachExtension(mod, e.Path); err != nil {
			return 1, err
		}
	}
	for _, path := range opts.scripts {
		if _, err := rt.LoadScript(path); err != nil {
			return 1, err
		}
	}

	for _, mod := range rt.Modules() {
		if opts.writeLock {
			lock.Pin(mod.Path, mod.Digest)
		} else if err := lock.Verify(mod.Path, mod.Digest); err != nil {
			return 1, err
		}
	}
	if opts.writeLock {
		if opts.lockPath == "" {
			return 1, fmt.Errorf("no lock file configured in %s", manifest.FileName)
		}
		if err := manifest.WriteLock(opts.lockPath, lock); err != nil {
			return 1, err
		}
		if verbose {
			fmt.Printf("Pinned %d modules in %s\n", len(lock.Modules), opts.lockPath)
		}
		return 0, nil
	}

	if opts.disasm {
		printDisassembly(rt.Modules())
		return 0, nil
	}

	results, err := execute(rt, opts.entry)
	if opts.dumpPath != "" {
		if derr := dump(rt, opts.dumpPath); derr != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", derr)
		}
	}
	if err != nil {
		return 1, err
	}
	if verbose {
		fmt.Printf("%s returned %v after %d ticks\n", opts.entry, results, rt.CPU.Ticks)
	}
	// The top of the stack, if any, is the exit status.
	if n := len(results); n > 0 {
		return int(int32(uint32(results[n-1]))), nil
	}
	return 0, nil
}

// execute runs entry by name, or by id when it parses as an integer and no
// name matches.
func execute(rt *vm.Runtime, entry string) ([]uint64, error) {
	if _, _, ok := rt.Lookup(entry); !ok {
		if id, err := strconv.ParseInt(entry, 0, 64); err == nil {
			return rt.Execute(id)
		}
	}
	return rt.Run(entry)
}

func dump(rt *vm.Runtime, path string) error {
	data, err := vm.MarshalSnapshot(rt.Snapshot())
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func printDisassembly(mods []*module.Module) {
	for _, mod := range mods {
		fmt.Printf("; %s %s\n", mod.Kind, mod.Path)
		for _, s := range mod.Sections {
			if s.Type != module.SectionFunction {
				continue
			}
			name := mod.NameOf(s.ID)
			if name == "" {
				name = strconv.FormatInt(s.ID, 10)
			}
			fmt.Printf("\n%s:\n", name)
			if s.Size() > 0 {
				fmt.Println(vm.Disassemble(s.Bytes()))
			}
		}
		fmt.Println()
	}
}
