package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

// CLI renders migrator operations for a terminal
type CLI struct {
	migrator Migrator
	output   io.Writer
}

// NewCLI creates a CLI writing to stdout
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, output: os.Stdout}
}

// SetOutput redirects CLI output
func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

// change runs one schema-changing operation between a banner and a result line.
// An empty done line suppresses the trailing version report.
func (c *CLI) change(ctx context.Context, banner, failure, done string, op func(context.Context) error) error {
	fmt.Fprintln(c.output, banner)
	if err := op(ctx); err != nil {
		return fmt.Errorf("%s: %w", failure, err)
	}
	if done == "" {
		return nil
	}
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.output, "%s Current version: %d\n", done, info.CurrentVersion)
	return nil
}

func (c *CLI) RunUp(ctx context.Context) error {
	return c.change(ctx, "Applying run index migrations...", "migration failed", "Migrations complete.", c.migrator.Up)
}

func (c *CLI) RunDown(ctx context.Context) error {
	return c.change(ctx, "Rolling back the last run index migration...", "rollback failed", "Rollback complete.", c.migrator.Down)
}

func (c *CLI) RunDownAll(ctx context.Context) error {
	if err := c.change(ctx, "Rolling back every run index migration...", "rollback failed", "", c.migrator.DownAll); err != nil {
		return err
	}
	fmt.Fprintln(c.output, "run_index schema removed.")
	return nil
}

// RunSteps applies n migrations, or rolls back -n
func (c *CLI) RunSteps(ctx context.Context, n int) error {
	banner := fmt.Sprintf("Applying %d migration(s)...", n)
	if n < 0 {
		banner = fmt.Sprintf("Rolling back %d migration(s)...", -n)
	}
	return c.change(ctx, banner, "migration steps failed", "Complete.", func(ctx context.Context) error {
		return c.migrator.Steps(ctx, n)
	})
}

func (c *CLI) RunGoto(ctx context.Context, version uint) error {
	return c.change(ctx, fmt.Sprintf("Migrating run index to version %d...", version), "migration failed", "Migration complete.",
		func(ctx context.Context) error { return c.migrator.Goto(ctx, version) })
}

// RunForce records version without running any migration and clears the dirty flag
func (c *CLI) RunForce(ctx context.Context, version int) error {
	if err := c.migrator.Force(ctx, version); err != nil {
		return fmt.Errorf("force failed: %w", err)
	}
	fmt.Fprintf(c.output, "Version forced to %d, dirty flag cleared.\n", version)
	return nil
}

func (c *CLI) RunVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	switch {
	case err != nil:
		return fmt.Errorf("failed to get version: %w", err)
	case version == 0:
		fmt.Fprintln(c.output, "No migrations applied yet.")
	case dirty:
		fmt.Fprintf(c.output, "Current version: %d (dirty)\n", version)
	default:
		fmt.Fprintf(c.output, "Current version: %d\n", version)
	}
	return nil
}

// RunStatus prints one row per embedded migration followed by a summary
func (c *CLI) RunStatus(ctx context.Context) error {
	rows, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	if len(rows) == 0 {
		fmt.Fprintln(c.output, "No embedded migrations for this database.")
		return nil
	}

	var applied int
	tw := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tMIGRATION\tSTATE")
	for _, m := range rows {
		state := "pending"
		if m.Applied {
			applied++
			state = "applied"
		}
		if m.Dirty {
			state = "dirty"
		}
		fmt.Fprintf(tw, "%06d\t%s\t%s\n", m.Version, m.Name, state)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(c.output, "\nTotal: %d, Applied: %d, Pending: %d\n", len(rows), applied, len(rows)-applied)
	return nil
}

func (c *CLI) RunInfo(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get info: %w", err)
	}

	tw := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	for _, row := range []struct {
		label string
		value any
	}{
		{"Current version", info.CurrentVersion},
		{"Dirty", info.Dirty},
		{"Embedded migrations", info.TotalMigrations},
		{"Applied", info.AppliedMigrations},
		{"Pending", info.PendingMigrations},
	} {
		fmt.Fprintf(tw, "%s:\t%v\n", row.label, row.value)
	}
	return tw.Flush()
}
