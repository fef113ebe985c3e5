package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/i5heu/raid6"
	"github.com/i5heu/raid6/internal/config"
	"github.com/i5heu/raid6/pkg/backup"
	"github.com/i5heu/raid6/pkg/logging"
	"github.com/i5heu/raid6/pkg/parity"
	"github.com/i5heu/raid6/pkg/recovery"
)

func usage() {
	fmt.Println("Usage: raid6 [-config file] <command> [arguments]")
	fmt.Println("Commands:")
	fmt.Println("  init")
	fmt.Println("  put <disk> <pos> <hex>")
	fmt.Println("  corrupt <disk> <pos> <hex>")
	fmt.Println("  get <disk> <pos> <length>")
	fmt.Println("  recover <case|auto> <disk:stripe>...")
	fmt.Println("  check")
	fmt.Println("  rebuild <disk>")
	fmt.Println("  backup <file> [zstd|xz]")
	fmt.Println("  restore <file>")
	fmt.Println("  info")
}

func main() {
	configPath := flag.String("config", config.FileName, "path of the YAML config")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	conf, err := config.Load(*configPath)
	if err != nil {
		fail("Error loading config: %v", err)
	}
	backend, err := raid6.ParseBackend(conf.Backend)
	if err != nil {
		fail("Error: %v", err)
	}
	arrayConf := raid6.Config{
		Path:          conf.DataDir,
		Backend:       backend,
		MinimumFreeGB: conf.MinimumFreeGB,
		SyncWrites:    conf.SyncWrites,
		Logger:        logging.New(conf.LogLevel),
		ScrubWorkers:  conf.ScrubWorkers,
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	if cmd == "init" {
		a, err := raid6.Create(arrayConf, conf.Geometry())
		if err != nil {
			fail("Error creating array: %v", err)
		}
		defer a.Close()
		fmt.Printf("Created %s array in %s\n", a.Geometry(), conf.DataDir)
		return
	}

	a, err := raid6.Open(arrayConf)
	if err != nil {
		fail("Error opening array: %v", err)
	}
	defer a.Close()

	if err := run(context.Background(), a, cmd, args); err != nil {
		a.Close()
		fail("Error: %v", err)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func need(args []string, n int, use string) error {
	if len(args) < n {
		return fmt.Errorf("usage: raid6 %s", use)
	}
	return nil
}

func run(ctx context.Context, a *raid6.Array, cmd string, args []string) error {
	switch cmd {
	case "put", "corrupt":
		if err := need(args, 3, cmd+" <disk> <pos> <hex>"); err != nil {
			return err
		}
		disk, pos, err := diskAndPos(args)
		if err != nil {
			return err
		}
		data, err := hex.DecodeString(args[2])
		if err != nil {
			return fmt.Errorf("invalid hex data: %w", err)
		}
		if cmd == "put" {
			err = a.Put(ctx, disk, pos, data)
		} else {
			err = a.PutRaw(ctx, disk, pos, data)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %d bytes to disk %d at %d\n", len(data), disk, pos)

	case "get":
		if err := need(args, 3, "get <disk> <pos> <length>"); err != nil {
			return err
		}
		disk, pos, err := diskAndPos(args)
		if err != nil {
			return err
		}
		length, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid length: %w", err)
		}
		data, err := a.Get(ctx, disk, pos, length)
		if err != nil {
			return err
		}
		fmt.Println(hex.EncodeToString(data))

	case "recover":
		missing, c, err := recoverRequest(a, args)
		if err != nil {
			return err
		}
		if err := a.Recover(ctx, missing, c); err != nil {
			return err
		}
		fmt.Printf("Recovered %v (%s)\n", missing, c)

	case "check":
		res, err := a.Check(ctx)
		if err != nil {
			return err
		}
		if !res.Passed {
			fmt.Printf("Parity mismatch in stripe %d\n", res.Stripe)
			return fmt.Errorf("check failed")
		}
		fmt.Println("All stripes consistent.")

	case "rebuild":
		if err := need(args, 1, "rebuild <disk>"); err != nil {
			return err
		}
		disk, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid disk: %w", err)
		}
		if err := a.RebuildDisk(ctx, disk); err != nil {
			return err
		}
		fmt.Printf("Rebuilt disk %d\n", disk)

	case "backup":
		if err := need(args, 1, "backup <file> [zstd|xz]"); err != nil {
			return err
		}
		codecName := ""
		if len(args) > 1 {
			codecName = args[1]
		}
		codec, err := backup.ParseCodec(codecName)
		if err != nil {
			return err
		}
		f, err := os.Create(args[0])
		if err != nil {
			return err
		}
		stats, err := a.Backup(ctx, f, codec)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %d blocks (%d bytes, %s) to %s\n", stats.Blocks, stats.Bytes, stats.Codec, args[0])

	case "restore":
		if err := need(args, 1, "restore <file>"); err != nil {
			return err
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		stats, err := a.Restore(ctx, f)
		if err != nil {
			return err
		}
		fmt.Printf("Restored %d blocks (%d bytes, %s)\n", stats.Blocks, stats.Bytes, stats.Codec)

	case "info":
		l := a.Layout()
		fmt.Println("Array:")
		fmt.Printf("  Geometry:      %s\n", a.Geometry())
		fmt.Printf("  Data per disk: %d bytes\n", a.Capacity(0))
		fmt.Println("  Parity rotation:")
		for s := 0; s < min(l.Stripes(), l.Disks()); s++ {
			fmt.Printf("    stripe %-4d P=disk %-4d Q=disk %d\n", s,
				l.ParityDisk(s, parity.XOR), l.ParityDisk(s, parity.ReedSolomon))
		}

	default:
		usage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
	return nil
}

func diskAndPos(args []string) (int, int64, error) {
	disk, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid disk: %w", err)
	}
	pos, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid position: %w", err)
	}
	return disk, pos, nil
}

// recoverRequest parses "<case|auto> <disk:stripe>...". With auto the case
// is classified from the roles of the listed blocks.
func recoverRequest(a *raid6.Array, args []string) ([]recovery.Address, recovery.Case, error) {
	if err := need(args, 2, "recover <case|auto> <disk:stripe>..."); err != nil {
		return nil, 0, err
	}
	missing := make([]recovery.Address, 0, len(args)-1)
	for _, s := range args[1:] {
		addr, err := recovery.ParseAddress(s)
		if err != nil {
			return nil, 0, err
		}
		missing = append(missing, addr)
	}
	var (
		c   recovery.Case
		err error
	)
	if args[0] == "auto" {
		c, err = a.Classify(missing)
	} else {
		c, err = recovery.ParseCase(args[0])
	}
	if err != nil {
		return nil, 0, err
	}
	return missing, c, nil
}
