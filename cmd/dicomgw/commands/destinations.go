package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openimagery/dicomgw/internal/cli/output"
	"github.com/openimagery/dicomgw/internal/protocol/dimse"
	"github.com/openimagery/dicomgw/pkg/catalog"
	"github.com/openimagery/dicomgw/pkg/config"
)

var destinationsCmd = &cobra.Command{
	Use:     "destinations",
	Aliases: []string{"dest"},
	Short:   "Manage forwarding destinations",
}

var destListOutput string

var destListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured destinations",
	RunE:  runDestList,
}

var destUpsert catalog.Destination

var (
	destModalities string
	destSOPClasses string
	destCallingAEs string
	destLabels     string
)

var destSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Create or update a destination",
	Long: `Create or update a forwarding destination. Objects matching the
destination's routing rules are queued for delivery as they arrive.

Empty match lists accept everything; a non-empty list accepts only the
values it names.

Examples:
  # Forward everything to a PACS
  dicomgw destinations set PACS1 --host pacs.example.org --port 104 --called-ae PACS

  # Route only CT and MR studies
  dicomgw destinations set RESEARCH --host 10.0.0.8 --port 11112 \
    --called-ae RESEARCH --modalities CT,MR`,
	Args: cobra.ExactArgs(1),
	RunE: runDestSet,
}

var destEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a destination",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setDestEnabled(args[0], true) },
}

var destDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a destination (pending jobs stay queued)",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setDestEnabled(args[0], false) },
}

func init() {
	destListCmd.Flags().StringVarP(&destListOutput, "output", "o", "table", "Output format (table, json, yaml)")

	destSetCmd.Flags().StringVar(&destUpsert.Host, "host", "", "Destination host")
	destSetCmd.Flags().IntVar(&destUpsert.Port, "port", 104, "Destination port")
	destSetCmd.Flags().StringVar(&destUpsert.CalledAE, "called-ae", "", "Called AE title presented to the destination")
	destSetCmd.Flags().StringVar(&destUpsert.CallingAE, "calling-ae", "DICOMGW", "Calling AE title presented to the destination")
	destSetCmd.Flags().BoolVar(&destUpsert.TLSEnabled, "tls", false, "Connect with TLS")
	destSetCmd.Flags().IntVar(&destUpsert.ConcurrencyLimit, "concurrency", 4, "Maximum simultaneous deliveries")
	destSetCmd.Flags().IntVar(&destUpsert.MaxAttempts, "max-attempts", 8, "Delivery attempts before dead-lettering")
	destSetCmd.Flags().StringVar(&destModalities, "modalities", "", "Comma-separated modalities to match (empty matches all)")
	destSetCmd.Flags().StringVar(&destSOPClasses, "sop-classes", "", "Comma-separated SOP class UIDs to match (empty matches all)")
	destSetCmd.Flags().StringVar(&destCallingAEs, "calling-aes", "", "Comma-separated source calling AEs to match (empty matches all)")
	destSetCmd.Flags().StringVar(&destLabels, "labels", "", "Comma-separated receiver labels to match (empty matches all)")
	_ = destSetCmd.MarkFlagRequired("host")
	_ = destSetCmd.MarkFlagRequired("called-ae")

	destinationsCmd.AddCommand(destListCmd)
	destinationsCmd.AddCommand(destSetCmd)
	destinationsCmd.AddCommand(destEnableCmd)
	destinationsCmd.AddCommand(destDisableCmd)
}

// openCatalog connects to the catalog for a destination command.
func openCatalog(ctx context.Context) (*catalog.Catalog, error) {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return nil, err
	}
	cfg.Logging.Level = "WARN"
	if err := InitLogger(cfg); err != nil {
		return nil, err
	}
	return catalog.New(ctx, cfg.Database)
}

func runDestList(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(destListOutput)
	if err != nil {
		return err
	}

	ctx := context.Background()
	cat, err := openCatalog(ctx)
	if err != nil {
		return err
	}
	defer cat.Close()

	dests, err := cat.ListDestinations(ctx)
	if err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, dests)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, dests)
	}

	if len(dests) == 0 {
		fmt.Println("No destinations configured.")
		return nil
	}

	tbl := output.NewTable("NAME", "ADDRESS", "CALLED AE", "ENABLED", "TLS", "CONCURRENCY", "MODALITIES")
	for _, d := range dests {
		modalities := strings.Join(d.MatchModalities, ",")
		if modalities == "" {
			modalities = "*"
		}
		tbl.AddRow(
			d.Name,
			fmt.Sprintf("%s:%d", d.Host, d.Port),
			d.CalledAE,
			strconv.FormatBool(d.Enabled),
			strconv.FormatBool(d.TLSEnabled),
			strconv.Itoa(d.ConcurrencyLimit),
			modalities,
		)
	}
	return tbl.Render(os.Stdout)
}

func runDestSet(cmd *cobra.Command, args []string) error {
	d := destUpsert
	d.Name = args[0]
	d.Enabled = true
	d.MatchModalities = splitList(destModalities)
	d.MatchSOPClasses = splitList(destSOPClasses)
	d.MatchCallingAEs = splitList(destCallingAEs)
	d.MatchLabels = splitList(destLabels)

	if !dimse.ValidAETitle(d.CalledAE) {
		return fmt.Errorf("invalid called AE title: %q", d.CalledAE)
	}
	if !dimse.ValidAETitle(d.CallingAE) {
		return fmt.Errorf("invalid calling AE title: %q", d.CallingAE)
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("invalid port: %d", d.Port)
	}

	ctx := context.Background()
	cat, err := openCatalog(ctx)
	if err != nil {
		return err
	}
	defer cat.Close()

	if err := cat.UpsertDestination(ctx, d); err != nil {
		return err
	}
	fmt.Printf("Destination %s saved\n", d.Name)
	return nil
}

func setDestEnabled(name string, enabled bool) error {
	ctx := context.Background()
	cat, err := openCatalog(ctx)
	if err != nil {
		return err
	}
	defer cat.Close()

	if err := cat.SetDestinationEnabled(ctx, name, enabled); err != nil {
		return err
	}
	if enabled {
		fmt.Printf("Destination %s enabled\n", name)
	} else {
		fmt.Printf("Destination %s disabled\n", name)
	}
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
