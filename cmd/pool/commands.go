package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dCache/dcache-sub081/internal/config"
	"github.com/dCache/dcache-sub081/internal/logging/audit"
	"github.com/dCache/dcache-sub081/internal/pool/checksum"
	"github.com/dCache/dcache-sub081/internal/pool/replica"
	"github.com/dCache/dcache-sub081/internal/pool/repository"
)

// destroyWait bounds how long "rm" waits for the physical deletion before
// leaving it to the next startup.
const destroyWait = 5 * time.Second

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the pool directory layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := repository.InitLayout(cfg.BaseDir); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Initialized pool %s in %s\n", cfg.Name, cfg.BaseDir)
			return nil
		},
	}
}

func newInventoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inventory",
		Short: "Recover the pool and list its replicas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := recoverPool(cfg, nil)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			printInventory(cmd.OutOrStdout(), p.dir.Snapshot(), p.dir.SpaceRecord())
			return nil
		},
	}
}

func printInventory(out io.Writer, entries []replica.Entry, space repository.SpaceRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATE\tSIZE\tLAST ACCESS\tSTICKY")
	for _, e := range entries {
		owners := make([]string, 0, len(e.Sticky))
		for _, s := range e.Sticky {
			owners = append(owners, s.Owner)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			e.ID, e.State, e.Size, e.LastAccess.Format("2006-01-02 15:04:05"), strings.Join(owners, ","))
	}
	_ = w.Flush()

	_, _ = fmt.Fprintf(out, "\n%d replicas\n", len(entries))
	_, _ = fmt.Fprintf(out, "Total:     %s\n", config.Size(space.Total))
	_, _ = fmt.Fprintf(out, "Used:      %s\n", config.Size(space.Used))
	_, _ = fmt.Fprintf(out, "Free:      %d bytes\n", space.Free)
	_, _ = fmt.Fprintf(out, "Precious:  %s\n", config.Size(space.Precious))
	_, _ = fmt.Fprintf(out, "Reserved:  %s\n", config.Size(space.Reserved))
	_, _ = fmt.Fprintf(out, "Removable: %s\n", config.Size(space.Removable))
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run the pool health check",
		Long:  "Check the stores, the setup file and that the pool directory is writable. Exits with status 1 when unhealthy.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := openPool(cfg, nil)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			if !p.dir.IsHealthy() {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "unhealthy")
				return errors.New("pool is unhealthy")
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
}

func newImportCmd() *cobra.Command {
	var (
		precious bool
		sticky   string
		sums     []string
	)
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Copy a local file into the pool as a new replica",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expected := make([]checksum.Checksum, 0, len(sums))
			for _, s := range sums {
				c, err := checksum.Parse(s)
				if err != nil {
					return err
				}
				expected = append(expected, c)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := recoverPool(cfg, nil)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			target := replica.Cached
			if precious {
				target = replica.Precious
			}
			var pins []replica.StickyRecord
			if sticky != "" {
				pins = append(pins, replica.NewStickyRecord(sticky, time.Time{}))
			}

			e, err := importFile(p.dir, args[0], target, expected, pins...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "%s %s %d\n", e.ID, e.State, e.Size)
			for _, c := range e.Checksums {
				_, _ = fmt.Fprintln(out, c)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&precious, "precious", false, "store the replica as precious instead of cached")
	cmd.Flags().StringVar(&sticky, "sticky", "", "pin the replica for this owner")
	cmd.Flags().StringArrayVar(&sums, "checksum", nil, "expected checksum as type:hex, may be repeated")
	return cmd
}

// importFile writes the content of path into a new replica and commits it.
// The replica is discarded if it does not match the expected checksums.
func importFile(d *repository.Directory, path string, target replica.State, expected []checksum.Checksum, sticky ...replica.StickyRecord) (replica.Entry, error) {
	src, err := os.Open(path)
	if err != nil {
		return replica.Entry{}, err
	}
	defer func() { _ = src.Close() }()

	fi, err := src.Stat()
	if err != nil {
		return replica.Entry{}, err
	}

	id := replica.NewID()
	if _, err := d.CreateEntry(id); err != nil {
		return replica.Entry{}, err
	}
	h, err := d.OpenWrite(id)
	if err != nil {
		_, _ = d.RemoveEntry(id)
		return replica.Entry{}, err
	}
	if err := h.Allocate(fi.Size()); err != nil {
		_ = h.Cancel()
		return replica.Entry{}, err
	}
	if _, err := io.Copy(io.NewOffsetWriter(h, 0), src); err != nil {
		_ = h.Cancel()
		return replica.Entry{}, fmt.Errorf("copy %s: %w", path, err)
	}
	h.Expect(expected...)
	e, err := h.Commit(target, sticky...)
	if err != nil {
		_ = h.Cancel()
		return replica.Entry{}, err
	}
	log.Info().
		Str("id", e.ID.String()).
		Str("file", path).
		Int64("size", e.Size).
		Strs("checksums", checksumList(e.Checksums)).
		Msg("Replica imported")
	return e, nil
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [id...]",
		Short: "Re-read replicas and compare them with their checksums",
		Long: "Verify the given replicas, or every committed replica when no id is given.\n" +
			"Replicas without checksums get them computed and recorded.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]replica.ID, 0, len(args))
			for _, a := range args {
				id, err := replica.ParseID(a)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := recoverPool(cfg, nil)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			if len(ids) == 0 {
				ids = p.dir.ListValidIDs()
			}
			auditLog := audit.NewLogger(p.logger)
			out := cmd.OutOrStdout()
			failed := 0
			for _, id := range ids {
				_, err := p.dir.Verify(id)
				switch {
				case err == nil:
					_, _ = fmt.Fprintf(out, "%s ok\n", id)
				case errors.Is(err, repository.ErrChecksumMismatch):
					failed++
					auditLog.LogAdmin("verify", id, "failed", err.Error())
					_, _ = fmt.Fprintf(out, "%s mismatch\n", id)
				default:
					failed++
					auditLog.LogAdmin("verify", id, "failed", err.Error())
					_, _ = fmt.Fprintf(out, "%s error: %v\n", id, err)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d replicas failed verification", failed, len(ids))
			}
			return nil
		},
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <id>",
		Short: "Write the content of a replica to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := replica.ParseID(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := recoverPool(cfg, nil)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			h, err := p.dir.OpenRead(id)
			if err != nil {
				return err
			}
			defer func() { _ = h.Close() }()

			_, err = io.Copy(cmd.OutOrStdout(), io.NewSectionReader(h, 0, h.Entry().Size))
			return err
		},
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a replica",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := replica.ParseID(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := recoverPool(cfg, nil)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			auditLog := audit.NewLogger(p.logger)
			removed, err := p.dir.RemoveEntry(id)
			if err != nil {
				auditLog.LogAdmin("remove", id, "failed", err.Error())
				return err
			}
			if !removed {
				auditLog.LogAdmin("remove", id, "refused", "locked")
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "locked")
				return nil
			}
			auditLog.LogAdmin("remove", id, "ok", "")
			waitDestroyed(p.dir, id, destroyWait)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", id)
			return nil
		},
	}
}

// waitDestroyed polls until the removed replica is gone or timeout passes.
func waitDestroyed(d *repository.Directory, id replica.ID, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := d.GetGenericEntry(id); errors.Is(err, replica.ErrNotFound) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	log.Warn().Str("id", id.String()).Msg("Replica not yet deleted, finishing at next startup")
}

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <id> <cached|precious>",
		Short: "Change the state of a replica",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := replica.ParseID(args[0])
			if err != nil {
				return err
			}
			to, err := replica.ParseState(args[1])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := recoverPool(cfg, nil)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			if err := p.dir.SetState(id, to); err != nil {
				audit.NewLogger(p.logger).LogAdmin("set_state", id, "failed", err.Error())
				return err
			}
			audit.NewLogger(p.logger).LogAdmin("set_state", id, "ok", to.String())
			return nil
		},
	}
}

func newStickyCmd() *cobra.Command {
	var (
		lifetime time.Duration
		release  bool
	)
	cmd := &cobra.Command{
		Use:   "sticky <id> <owner>",
		Short: "Pin a replica for an owner, or release the pin",
		Long:  "Pin a replica so that it is never evicted. Without --lifetime the pin lasts until cleared.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := replica.ParseID(args[0])
			if err != nil {
				return err
			}
			owner := args[1]
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := recoverPool(cfg, nil)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			if release {
				return p.dir.ClearSticky(id, owner)
			}
			var expires time.Time
			if lifetime > 0 {
				expires = time.Now().Add(lifetime)
			}
			return p.dir.SetSticky(id, replica.NewStickyRecord(owner, expires))
		},
	}
	cmd.Flags().DurationVar(&lifetime, "lifetime", 0, "pin lifetime (0 pins forever)")
	cmd.Flags().BoolVar(&release, "clear", false, "release the owner's pin")
	return cmd
}

func newReserveCmd() *cobra.Command {
	var free bool
	cmd := &cobra.Command{
		Use:   "reserve <size>",
		Short: "Reserve pool space for future writes, or release it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := config.ParseSize(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := recoverPool(cfg, nil)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			if free {
				err = p.dir.FreeReserved(n.Bytes())
			} else {
				err = p.dir.Reserve(n.Bytes())
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "reserved %d bytes\n", p.dir.ReservedSpace())
			return nil
		},
	}
	cmd.Flags().BoolVar(&free, "free", false, "release reserved space instead")
	return cmd
}

// checksumList renders checksums for log fields.
func checksumList(sums []checksum.Checksum) []string {
	out := make([]string, len(sums))
	for i, c := range sums {
		out[i] = c.String()
	}
	return out
}
