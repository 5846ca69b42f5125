package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/convoy-sh/convoy/internal/compute"
	"github.com/convoy-sh/convoy/internal/fleet"
	"github.com/convoy-sh/convoy/internal/worker"
)

// workerImageFamily is the image expected to boot convoy-worker on
// startup. Instances from it need queue metadata to be useful.
const workerImageFamily = "convoy-worker"

// bootConfig is the worker.yaml installed by --worker-url startup
// scripts. Queue settings ride the instance metadata, so the file only
// pins the exit behavior.
const bootConfig = "delete_on_exit: auto\n"

// Resolve the fleet controller
func resolveController(cmd *cobra.Command) (*fleet.Controller, error) {
	project, _ := cmd.Flags().GetString("project")
	if project == "" {
		project = os.Getenv("CONVOY_PROJECT")
	}
	if project == "" {
		return nil, fmt.Errorf("cloud project is required (--project or CONVOY_PROJECT)")
	}
	zone, _ := cmd.Flags().GetString("zone")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	parallel, _ := cmd.Flags().GetInt("parallel")

	gc := compute.NewGCloud(project, log.Logger)
	gc.DryRun = dryRun
	c := fleet.NewController(gc, zone, log.Logger)
	if parallel > 0 {
		c.Parallelism = parallel
	}
	return c, nil
}

// Parse repeated key=value metadata specs
func parseMetadata(specs []string) (map[string]string, error) {
	md := map[string]string{}
	for _, spec := range specs {
		parts := strings.SplitN(spec, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("invalid --metadata spec %q (want key=value)", spec)
		}
		md[parts[0]] = parts[1]
	}
	return md, nil
}

// Resolve target instance names from args, an indexed range, or a
// prefix listing
func resolveNames(cmd *cobra.Command, args []string, c *fleet.Controller) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	prefix, _ := cmd.Flags().GetString("prefix")
	if prefix == "" {
		return nil, fmt.Errorf("specify instance names or --prefix")
	}
	count, _ := cmd.Flags().GetInt("count")
	base, _ := cmd.Flags().GetInt("base")
	if count > 0 {
		return fleet.MakeNames(prefix, base, count), nil
	}
	it := c.List(cmd.Context(), compute.Filter{NamePrefix: fleet.SanitizeName(prefix)})
	var names []string
	for {
		spec, ok := it.Next()
		if !ok {
			break
		}
		names = append(names, spec.Name)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no instances match prefix %q", prefix)
	}
	return names, nil
}

// Print per-instance outcomes with a summary line
func printOutcomes(verb string, res fleet.BatchResult) {
	ok := color.New(color.FgGreen).SprintFunc()
	bad := color.New(color.FgRed).SprintFunc()
	for _, o := range res.Outcomes {
		if o.OK() {
			fmt.Printf("%s\t%s\n", o.Name, ok(verb))
		} else {
			fmt.Printf("%s\t%s\n", o.Name, bad("FAILED: "+o.Err.Error()))
		}
	}
	fmt.Printf("%d %s, %d failed\n", res.Succeeded(), verb, res.Failed())
}

// Report a partial failure as a command error
func batchErr(res fleet.BatchResult) error {
	if res.Failed() == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d instances failed", res.Failed(), len(res.Outcomes))
}

// Raise a fleet of worker VMs
func newUpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Create a batch of worker VMs",
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, _ := cmd.Flags().GetString("prefix")
			count, _ := cmd.Flags().GetInt("count")
			base, _ := cmd.Flags().GetInt("base")
			family, _ := cmd.Flags().GetString("family")
			imageProject, _ := cmd.Flags().GetString("image-project")
			machineType, _ := cmd.Flags().GetString("machine-type")
			specs, _ := cmd.Flags().GetStringSlice("metadata")
			db, _ := cmd.Flags().GetString("db")
			preemptible, _ := cmd.Flags().GetBool("preemptible")
			diskGB, _ := cmd.Flags().GetInt("disk-gb")
			script, _ := cmd.Flags().GetString("startup-script")
			workerURL, _ := cmd.Flags().GetString("worker-url")
			if script != "" && workerURL != "" {
				return fmt.Errorf("--startup-script and --worker-url are mutually exclusive")
			}

			c, err := resolveController(cmd)
			if err != nil {
				return err
			}
			md, err := parseMetadata(specs)
			if err != nil {
				return err
			}
			if db != "" {
				md[worker.MetaDatabase] = db
			}
			if family == workerImageFamily && md[worker.MetaDatabase] == "" {
				return fmt.Errorf("%s instances need a queue database (--db or -m db=NAME)", workerImageFamily)
			}

			opts := compute.DefaultOptions()
			opts.Preemptible = preemptible
			if diskGB > 0 {
				opts.BootDiskSizeGB = diskGB
			}
			if script != "" {
				b, err := os.ReadFile(script)
				if err != nil {
					return fmt.Errorf("read startup script: %w", err)
				}
				opts.StartupScript = string(b)
			}
			if workerURL != "" {
				opts.StartupScript = compute.WorkerStartupScript(workerURL, bootConfig)
			}

			res, err := c.Create(cmd.Context(), fleet.CreateRequest{
				NamePrefix:   prefix,
				BaseIndex:    base,
				Count:        count,
				MachineType:  machineType,
				ImageFamily:  family,
				ImageProject: imageProject,
				Metadata:     md,
				Options:      opts,
			})
			if err != nil {
				return err
			}
			printOutcomes("created", res)
			return batchErr(res)
		},
	}
	cmd.Flags().String("prefix", "", "instance name prefix")
	cmd.Flags().IntP("count", "c", 1, "number of instances")
	cmd.Flags().IntP("base", "b", 0, "first instance index")
	cmd.Flags().String("family", workerImageFamily, "boot image family")
	cmd.Flags().String("image-project", "", "project hosting the boot image")
	cmd.Flags().String("machine-type", "n1-standard-1", "machine type")
	cmd.Flags().StringSliceP("metadata", "m", nil, "instance metadata key=value (repeatable)")
	cmd.Flags().String("db", "", "queue database name (shorthand for -m db=NAME)")
	cmd.Flags().Bool("preemptible", false, "use preemptible instances")
	cmd.Flags().Int("disk-gb", 0, "boot disk size in GB (0 = default)")
	cmd.Flags().String("startup-script", "", "path to a startup script file")
	cmd.Flags().String("worker-url", "", "convoy-worker download URL; generates a startup script that installs and starts it")
	_ = cmd.MarkFlagRequired("prefix")
	return cmd
}

// List worker VMs
func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List worker VMs",
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, _ := cmd.Flags().GetString("prefix")
			c, err := resolveController(cmd)
			if err != nil {
				return err
			}
			running := color.New(color.FgGreen).SprintFunc()
			stopped := color.New(color.FgRed).SprintFunc()
			it := c.List(cmd.Context(), compute.Filter{NamePrefix: prefix})
			n := 0
			for {
				spec, ok := it.Next()
				if !ok {
					break
				}
				status := spec.Status
				switch status {
				case "RUNNING":
					status = running(status)
				case "TERMINATED", "STOPPING":
					status = stopped(status)
				}
				fmt.Printf("%s\t%s\t%s\t%s\n", spec.Name, spec.Zone, spec.MachineType, status)
				n++
			}
			if err := it.Err(); err != nil {
				return err
			}
			if n == 0 {
				fmt.Println("no instances")
			}
			return nil
		},
	}
	cmd.Flags().String("prefix", "", "only list instances with this name prefix")
	return cmd
}

// Delete worker VMs
func newDownCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "down [instance...]",
		Short: "Delete a batch of worker VMs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveController(cmd)
			if err != nil {
				return err
			}
			names, err := resolveNames(cmd, args, c)
			if err != nil {
				return err
			}
			res, err := c.Delete(cmd.Context(), names)
			if err != nil {
				return err
			}
			printOutcomes("deleted", res)
			return batchErr(res)
		},
	}
	cmd.Flags().String("prefix", "", "instance name prefix")
	cmd.Flags().IntP("count", "c", 0, "number of instances (0 = all matching --prefix)")
	cmd.Flags().IntP("base", "b", 0, "first instance index")
	return cmd
}

// Update instance metadata
func newMetaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meta [instance...]",
		Short: "Set metadata on worker VMs",
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, _ := cmd.Flags().GetStringSlice("metadata")
			md, err := parseMetadata(specs)
			if err != nil {
				return err
			}
			if len(md) == 0 {
				return fmt.Errorf("no metadata given (use -m key=value)")
			}
			c, err := resolveController(cmd)
			if err != nil {
				return err
			}
			names, err := resolveNames(cmd, args, c)
			if err != nil {
				return err
			}
			res, err := c.SetMetadata(cmd.Context(), names, md)
			if err != nil {
				return err
			}
			printOutcomes("updated", res)
			return batchErr(res)
		},
	}
	cmd.Flags().String("prefix", "", "instance name prefix")
	cmd.Flags().IntP("count", "c", 0, "number of instances (0 = all matching --prefix)")
	cmd.Flags().IntP("base", "b", 0, "first instance index")
	cmd.Flags().StringSliceP("metadata", "m", nil, "metadata key=value (repeatable)")
	return cmd
}

// Ask workers to quit
func newDrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drain [instance...]",
		Short: "Ask worker VMs to stop claiming tasks and shut down",
		Long:  "Drain sets the quit_when_idle metadata flag so each worker exits once the queue has nothing left for it. With --soon the worker stops after its current task instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			soon, _ := cmd.Flags().GetBool("soon")
			c, err := resolveController(cmd)
			if err != nil {
				return err
			}
			names, err := resolveNames(cmd, args, c)
			if err != nil {
				return err
			}
			key := worker.MetaQuitWhenIdle
			if soon {
				key = worker.MetaQuitSoon
			}
			res, err := c.SetMetadata(cmd.Context(), names, map[string]string{key: "true"})
			if err != nil {
				return err
			}
			printOutcomes("draining", res)
			return batchErr(res)
		},
	}
	cmd.Flags().String("prefix", "", "instance name prefix")
	cmd.Flags().IntP("count", "c", 0, "number of instances (0 = all matching --prefix)")
	cmd.Flags().IntP("base", "b", 0, "first instance index")
	cmd.Flags().Bool("soon", false, "stop after the current task instead of waiting for an empty queue")
	return cmd
}

// Generate shell completion scripts
func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish]",
		Short:     "Generate shell completion scripts",
		ValidArgs: []string{"bash", "zsh", "fish"},
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(os.Stdout)
			case "zsh":
				return cmd.Root().GenZshCompletion(os.Stdout)
			case "fish":
				return cmd.Root().GenFishCompletion(os.Stdout, true)
			}
			return nil
		},
	}
}
