package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/netsteria/sst/internal/config"
	"github.com/netsteria/sst/internal/eid"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	noteStyle  = lipgloss.NewStyle().Faint(true)
	eidStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactively create a configuration and identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}
}

func runInit() error {
	fmt.Println(titleStyle.Render("SST endpoint setup"))
	fmt.Println(noteStyle.Render("Creates a configuration file and a persistent identity."))

	cfg := config.DefaultConfig()
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}

	portStr := strconv.Itoa(int(cfg.Port))
	scheme := "rsa160"
	ccMode := cfg.CCMode
	dataDir := cfg.DataDir
	configPath := flagConfig
	if configPath == "" {
		configPath = filepath.Join(dataDir, "config.yaml")
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("UDP port").
				Description("Preferred bind port; another is chosen when taken.").
				Value(&portStr).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 0 || n > 65535 {
						return fmt.Errorf("port must be 0-65535")
					}
					return nil
				}),
			huh.NewInput().
				Title("Data directory").
				Description("Holds the identity key and configuration.").
				Value(&dataDir),
			huh.NewSelect[string]().
				Title("Identity scheme").
				Options(
					huh.NewOption("RSA (SHA-1 fingerprint)", "rsa160"),
					huh.NewOption("DSA (SHA-1 fingerprint)", "dsa160"),
				).
				Value(&scheme),
			huh.NewSelect[string]().
				Title("Congestion control").
				Options(
					huh.NewOption("Reno (TCP-like)", "reno"),
					huh.NewOption("Vegas (delay-based)", "vegas"),
					huh.NewOption("Power (experimental)", "power"),
				).
				Value(&ccMode),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	port, _ := strconv.Atoi(portStr)
	cfg.Port = uint16(port)
	cfg.DataDir = dataDir
	cfg.CCMode = ccMode
	if err := cfg.Validate(); err != nil {
		return err
	}

	sch := eid.SchemeRSA160
	if scheme == "dsa160" {
		sch = eid.SchemeDSA160
	}
	ident, err := eid.LoadOrGenerate(cfg.DataDir, sch)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return err
	}
	if err := cfg.Save(configPath); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("Configuration written to", configPath)
	fmt.Println("Endpoint identifier:", eidStyle.Render(ident.EID().String()))
	return nil
}
