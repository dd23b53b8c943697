package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/benaskins/talkingdata/internal/buildmode"
	"github.com/benaskins/talkingdata/internal/health"
	"github.com/benaskins/talkingdata/internal/port"
	"github.com/benaskins/talkingdata/internal/sidecar"
)

type checkResult struct {
	Mode      string   `json:"mode"`
	Launches  bool     `json:"launches"`
	Name      string   `json:"name"`
	Path      string   `json:"path,omitempty"`
	Command   string   `json:"command,omitempty"`
	Port      int      `json:"port"`
	PortInUse bool     `json:"port_in_use"`
	Healthy   bool     `json:"healthy"`
	Tried     []string `json:"tried,omitempty"`
	Error     string   `json:"error,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Resolve the backend sidecar without launching it",
	Long:  "Load the config, resolve the build mode and locate the bundled backend executable. Nothing is spawned.",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mode, err := buildmode.Resolve(os.Getenv(buildmode.EnvVar), cfg.BuildMode)
	if err != nil {
		return err
	}

	r := checkResult{
		Mode:      mode.String(),
		Launches:  mode.LaunchesSidecar(),
		Name:      cfg.Sidecar.Name,
		Port:      cfg.Sidecar.Port,
		PortInUse: !port.Available(cfg.Sidecar.Port),
	}
	if r.PortInUse && !cfg.Sidecar.Health.Disabled {
		r.Healthy = health.SingleCheck(probeConfig(cfg.Sidecar)) == nil
	}

	spec, rerr := sidecar.Resolve(cfg.Sidecar.Name, cfg.Sidecar.BinDir, cfg.Sidecar.Port)
	if rerr != nil {
		r.Error = rerr.Error()
		var re *sidecar.ResolutionError
		if errors.As(rerr, &re) {
			r.Tried = re.Tried
		}
	} else {
		r.Path = spec.Path
		r.Command = spec.String()
	}

	if jsonOut {
		if err := printJSON(r); err != nil {
			return err
		}
	} else {
		printCheck(r)
	}

	// Resolution only matters when this build would launch the backend.
	if rerr != nil && r.Launches {
		return fmt.Errorf("backend sidecar not launchable")
	}
	return nil
}

func printCheck(r checkResult) {
	fmt.Printf("mode      %s\n", r.Mode)
	if r.Error != "" {
		fmt.Fprintf(os.Stderr, "FAIL  %s\n      %s\n", r.Name, r.Error)
		for _, p := range r.Tried {
			fmt.Fprintf(os.Stderr, "      tried %s\n", p)
		}
	} else {
		fmt.Printf("OK    %s\n", r.Command)
	}
	switch {
	case r.PortInUse && r.Healthy:
		fmt.Printf("port      %d in use, a backend is already answering\n", r.Port)
	case r.PortInUse:
		fmt.Printf("port      %d in use\n", r.Port)
	default:
		fmt.Printf("port      %d free\n", r.Port)
	}
	if !r.Launches {
		fmt.Println("\nthis build does not launch the backend, run it manually")
	}
}
