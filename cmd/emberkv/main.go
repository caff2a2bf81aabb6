// Command emberkv is a small CLI over pkg/emberkv: put/get/delete a
// key, scan a range, print activity stats, or run a guided walkthrough
// against a throwaway data directory. Argument parsing stays on the
// standard library's flag package — a CLI framework would misrepresent
// the scope of what this module is (an embeddable storage engine, not
// a command-line product).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/emberkv/emberkv/pkg/emberkv"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	log := logrus.StandardLogger()

	var err error
	switch os.Args[1] {
	case "put":
		err = runPut(log, os.Args[2:])
	case "get":
		err = runGet(log, os.Args[2:])
	case "delete":
		err = runDelete(log, os.Args[2:])
	case "scan":
		err = runScan(log, os.Args[2:])
	case "stats":
		err = runStats(log, os.Args[2:])
	case "demo":
		err = runDemo(log, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.WithError(err).Error("emberkv: command failed")
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: emberkv <command> [flags]

commands:
  put    -dir DIR KEY VALUE
  get    -dir DIR KEY
  delete -dir DIR KEY
  scan   -dir DIR [-start KEY] [-end KEY]
  stats  -dir DIR
  demo   [-dir DIR]`)
}

func dirFlag(fs *flag.FlagSet) *string {
	return fs.String("dir", "", "data directory")
}

func openDB(dir string) (*emberkv.DB, error) {
	if dir == "" {
		return nil, fmt.Errorf("emberkv: -dir is required")
	}
	return emberkv.Open(emberkv.Options{Dir: dir})
}

func runPut(log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	dir := dirFlag(fs)
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("emberkv: put requires KEY and VALUE")
	}

	db, err := openDB(*dir)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Put(fs.Arg(0), fs.Arg(1)); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"key": fs.Arg(0)}).Info("put ok")
	return nil
}

func runGet(log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	dir := dirFlag(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("emberkv: get requires KEY")
	}

	db, err := openDB(*dir)
	if err != nil {
		return err
	}
	defer db.Close()

	val, err := db.Get(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Println(val)
	return nil
}

func runDelete(log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	dir := dirFlag(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("emberkv: delete requires KEY")
	}

	db, err := openDB(*dir)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Delete(fs.Arg(0)); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"key": fs.Arg(0)}).Info("delete ok")
	return nil
}

func runScan(log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	dir := dirFlag(fs)
	start := fs.String("start", "", "inclusive range start")
	end := fs.String("end", "", "exclusive range end")
	fs.Parse(args)

	db, err := openDB(*dir)
	if err != nil {
		return err
	}
	defer db.Close()

	kvs, err := db.Scan(context.Background(), *start, *end)
	if err != nil {
		return err
	}
	for _, kv := range kvs {
		fmt.Printf("%s\t%s\n", kv.Key, kv.Value)
	}
	return nil
}

func runStats(log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	dir := dirFlag(fs)
	fs.Parse(args)

	db, err := openDB(*dir)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("puts=%d deletes=%d gets=%d scans=%d flushes=%d compactions=%d bytes_compacted=%d\n",
		stats.Puts, stats.Deletes, stats.Gets, stats.Scans, stats.Flushes, stats.Compactions, stats.BytesCompacted)
	for i, count := range stats.LevelCounts {
		fmt.Printf("level_%d=%d tables\n", i, count)
	}
	fmt.Printf("memtable_bytes=%d memtable_entries=%d\n", stats.MemtableBytes, stats.MemtableEntries)
	return nil
}
