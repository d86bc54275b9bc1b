package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/methings/agentd/internal/config"
	"github.com/methings/agentd/internal/providers"
	"github.com/methings/agentd/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("agentd doctor")
	fmt.Printf("  %-10s %s\n", "Version:", Version)
	fmt.Printf("  %-10s %s/%s\n", "OS:", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  %-10s %s\n", "Go:", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  %-10s %s", "Config:", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (not found, defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	snap := cfg.Snapshot()

	stateDir := cfg.StateDir()
	fmt.Printf("  %-10s %s", "State:", stateDir)
	if _, err := os.Stat(stateDir); err != nil {
		fmt.Println(" (missing, created on first serve)")
	} else {
		fmt.Println(" (OK)")
	}

	s, err := store.Open(filepath.Join(stateDir, "agentd.db"))
	if err != nil {
		fmt.Printf("  %-10s OPEN FAILED (%s)\n", "Database:", err)
	} else {
		enc := s.EncryptionStatus()
		fmt.Printf("  %-10s OK (mode: %s)\n", "Database:", enc.Mode)
		apiKey := providers.ResolveAPIKey(s, snap.Brain.APIKeyCredential, snap.Brain.APIKeyEnv)
		if apiKey != "" {
			fmt.Printf("  %-10s present (%s)\n", "API key:", snap.Brain.APIKeyCredential)
		} else {
			fmt.Printf("  %-10s MISSING — run: agentd onboard\n", "API key:")
		}
		s.Close()
	}

	fmt.Printf("  %-10s %s", "Device:", snap.Device.BaseURL)
	if pingHTTP(snap.Device.BaseURL + "/health") {
		fmt.Println(" (reachable)")
	} else {
		fmt.Println(" (UNREACHABLE — device_api and cloud_request tools will fail)")
	}

	if cfg.FleetMode() {
		fmt.Printf("  %-10s fleet", "Mode:")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool, err := pgxpool.New(ctx, snap.Database.PostgresDSN)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
		}
		if err != nil {
			fmt.Printf(" (postgres CONNECT FAILED: %s)\n", err)
		} else {
			fmt.Println(" (postgres OK)")
		}
	} else {
		fmt.Printf("  %-10s standalone\n", "Mode:")
	}
}

func pingHTTP(url string) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
