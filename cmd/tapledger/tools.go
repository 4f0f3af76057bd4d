package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	dbpkg "github.com/BrandonDHaskell/Tapledger/server/internal/db"
	"github.com/BrandonDHaskell/Tapledger/server/internal/export"
)

var errChainBroken = errors.New("hash chain verification failed")

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.DBDriver != "sqlite" {
			return fmt.Errorf("migrate needs the sqlite driver, configured %q", cfg.DBDriver)
		}
		conn, err := openDB(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer conn.Close()

		if seed, _ := cmd.Flags().GetBool("seed"); seed {
			if err := dbpkg.SeedDev(cmd.Context(), conn, dbpkg.SeedDevOptions{
				KnownDevices: cfg.KnownDevices,
				CardIDs:      cfg.AllowedCardIDs,
			}); err != nil {
				return fmt.Errorf("seed: %w", err)
			}
		}

		v, dirty, err := dbpkg.SchemaVersion(conn)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%v) at %s\n", v, dirty, cfg.DBPath)
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute the hash chain over a sequence range",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, cfg.NewLogger(os.Stderr))
		if err != nil {
			return err
		}
		defer a.Close()

		from, _ := cmd.Flags().GetUint64("from")
		to, _ := cmd.Flags().GetUint64("to")
		res, err := a.verifier.VerifyChain(cmd.Context(), from, to)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if m := res.FirstMismatch; m != nil {
			fmt.Fprintf(out, "FAIL %d..%d: %s (%d entries checked)\n", res.From, res.To, m, res.Checked)
			return errChainBroken
		}
		fmt.Fprintf(out, "OK %d..%d: %d entries\n", res.From, res.To, res.Checked)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write ledger entries as CSV or JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		formatName, _ := flags.GetString("format")
		f, err := export.ParseFormat(formatName)
		if err != nil {
			return err
		}
		from, _ := flags.GetUint64("from")
		to, _ := flags.GetUint64("to")
		outPath, _ := flags.GetString("out")
		compress, _ := flags.GetBool("compress")
		recipientsPath, _ := flags.GetString("recipients")

		opts := export.SinkOptions{Compress: compress}
		if recipientsPath != "" {
			if opts.Recipients, err = export.LoadRecipients(recipientsPath); err != nil {
				return err
			}
		}

		a, err := newApp(cmd.Context(), cfg, cfg.NewLogger(os.Stderr))
		if err != nil {
			return err
		}
		defer a.Close()
		if to == 0 {
			to = a.seq.Head().Seq
		}

		var dst io.Writer = cmd.OutOrStdout()
		if outPath != "-" {
			file, err := os.Create(outPath)
			if err != nil {
				return fmt.Errorf("create %s: %w", outPath, err)
			}
			defer file.Close()
			dst = file
		}

		sink, err := export.NewSink(dst, opts)
		if err != nil {
			return err
		}
		n, err := export.Write(sink, f, a.replayer.Replay(cmd.Context(), from, to, 0))
		if cerr := sink.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("export after %d entries: %w", n, err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "exported %d entries (%d..%d)\n", n, from, to)
		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Stream a ledger range as NDJSON, optionally paced by device time",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, cfg.NewLogger(os.Stderr))
		if err != nil {
			return err
		}
		defer a.Close()

		from, _ := cmd.Flags().GetUint64("from")
		to, _ := cmd.Flags().GetUint64("to")
		speed, _ := cmd.Flags().GetFloat64("speed")
		if to == 0 {
			to = a.seq.Head().Seq
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		for e, err := range a.replayer.Replay(cmd.Context(), from, to, speed) {
			if err != nil {
				return err
			}
			if err := enc.Encode(export.View(e)); err != nil {
				return err
			}
		}
		return nil
	},
}
