package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Faultbox/blastgo/pkg/pack"
)

func cmdPack(args []string) {
	fs := flag.NewFlagSet("pack", flag.ExitOnError)
	base := fs.String("C", "", "Store paths relative to this directory")
	fs.Parse(args)

	if fs.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "Usage: blasttool pack [-C dir] <out.blpk> <file>...")
		os.Exit(1)
	}

	w, err := pack.Create(fs.Arg(0))
	if err != nil {
		fatalf("%v", err)
	}

	var total int
	for _, path := range fs.Args()[1:] {
		data, err := os.ReadFile(path)
		if err != nil {
			w.Close()
			fatalf("%v", err)
		}
		name := filepath.Base(path)
		if *base != "" {
			if name, err = filepath.Rel(*base, path); err != nil {
				w.Close()
				fatalf("%v", err)
			}
		}
		if err := w.Add(filepath.ToSlash(name), data); err != nil {
			w.Close()
			fatalf("%v", err)
		}
		total += len(data)
	}
	if err := w.Close(); err != nil {
		fatalf("%v", err)
	}

	info, err := os.Stat(fs.Arg(0))
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("Packed: %s (%d files, %d -> %d bytes)\n", fs.Arg(0), fs.NArg()-1, total, info.Size())
}

func cmdList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	limit := fs.Int("n", 0, "Limit output to N files (0 = all)")
	sizes := fs.Bool("l", false, "Show sizes")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: blasttool list <file.blpk> [pattern]")
		os.Exit(1)
	}

	archive, err := pack.Open(fs.Arg(0))
	if err != nil {
		fatalf("%v", err)
	}
	defer archive.Close()

	pattern := ""
	if fs.NArg() > 1 {
		pattern = strings.ToLower(fs.Arg(1))
	}

	count := 0
	for _, f := range archive.List() {
		if pattern != "" {
			matched, _ := filepath.Match(pattern, filepath.Base(f))
			if !matched && !strings.Contains(f, pattern) {
				continue
			}
		}
		if *sizes {
			e, _ := archive.Stat(f)
			fmt.Printf("%10d %10d  %s\n", e.Size, e.CompressedSize, f)
		} else {
			fmt.Println(f)
		}
		count++
		if *limit > 0 && count >= *limit {
			break
		}
	}

	if pattern != "" {
		fmt.Fprintf(os.Stderr, "\n(%d files matched)\n", count)
	}
}

func cmdExtract(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: blasttool extract <file.blpk> <path> [output_dir]")
		os.Exit(1)
	}

	outputDir := "."
	if len(args) > 2 {
		outputDir = args[2]
	}

	archive, err := pack.Open(args[0])
	if err != nil {
		fatalf("%v", err)
	}
	defer archive.Close()

	data, err := archive.Read(args[1])
	if err != nil {
		fatalf("%v", err)
	}

	outputPath := filepath.Join(outputDir, filepath.Base(args[1]))
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		fatalf("creating directory: %v", err)
	}
	if err := os.WriteFile(outputPath, data, 0644); err != nil {
		fatalf("writing file: %v", err)
	}

	fmt.Printf("Extracted: %s (%d bytes)\n", outputPath, len(data))
}
