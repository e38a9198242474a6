package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/model-governor/internal/experiment"
)

var (
	expTenant string
	expLimit  int
)

var experimentsCmd = &cobra.Command{
	Use:   "experiments",
	Short: "Inspect experiment workflows",
}

var experimentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List experiments",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		exs, err := experiment.New(st).List(ctx, expTenant, expLimit)
		if err != nil {
			return err
		}
		if len(exs) == 0 {
			fmt.Println("no experiments")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTENANT\tMODEL\tTYPE\tSTATUS\tDECISION\tUPDATED")
		for _, ex := range exs {
			decision := string(ex.Decision)
			if decision == "" {
				decision = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				ex.ID, ex.TenantID, ex.ModelName, ex.ExperimentType,
				ex.Status, decision, ex.UpdatedAt.Format(time.DateOnly))
		}
		return w.Flush()
	},
}

var expProposalFile string

// proposalFile is the on-disk shape of `experiments propose -f`.
type proposalFile struct {
	TenantID             string   `yaml:"tenant_id"`
	ModelName            string   `yaml:"model_name"`
	Hypothesis           string   `yaml:"hypothesis"`
	ExperimentType       string   `yaml:"experiment_type"`
	BaselineVersion      string   `yaml:"baseline_version"`
	ExperimentalVersions []string `yaml:"experimental_versions"`
	ProposedBy           string   `yaml:"proposed_by"`
}

var experimentsProposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Propose an experiment from a YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		raw, err := os.ReadFile(expProposalFile)
		if err != nil {
			return eris.Wrapf(err, "read proposal %s", expProposalFile)
		}
		var p proposalFile
		if err := yaml.Unmarshal(raw, &p); err != nil {
			return eris.Wrapf(err, "parse proposal %s", expProposalFile)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		ex, err := experiment.New(st).Propose(ctx, experiment.ProposeRequest{
			TenantID:             p.TenantID,
			ModelName:            p.ModelName,
			Hypothesis:           p.Hypothesis,
			ExperimentType:       p.ExperimentType,
			BaselineVersion:      p.BaselineVersion,
			ExperimentalVersions: p.ExperimentalVersions,
			ProposedBy:           p.ProposedBy,
		})
		if err != nil {
			return err
		}

		fmt.Printf("experiment proposed: %s\n", ex.ID)
		return nil
	},
}

var experimentsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one experiment as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		ex, err := experiment.New(st).Get(ctx, args[0])
		if err != nil {
			return err
		}
		if ex == nil {
			return eris.Errorf("experiment %s not found", args[0])
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ex)
	},
}

func init() {
	experimentsListCmd.Flags().StringVar(&expTenant, "tenant", "", "filter by tenant")
	experimentsListCmd.Flags().IntVar(&expLimit, "limit", 50, "max experiments to list")
	experimentsProposeCmd.Flags().StringVarP(&expProposalFile, "file", "f", "", "YAML proposal file (required)")
	_ = experimentsProposeCmd.MarkFlagRequired("file")
	experimentsCmd.AddCommand(experimentsProposeCmd)
	experimentsCmd.AddCommand(experimentsListCmd)
	experimentsCmd.AddCommand(experimentsShowCmd)
	rootCmd.AddCommand(experimentsCmd)
}
