// internal/app/prompt.go
package app

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/watchwire/watchwire/internal/config"
)

func PromptInteractive(clientDir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(os.Stdin)

	fmt.Println("────────────────────────────────────────")
	fmt.Println("WatchWire interactive setup")
	fmt.Printf(" Client folder : %s\n", clientDir)
	fmt.Printf(" Config file   : %s\n", cfgPath)
	fmt.Println("────────────────────────────────────────")
	fmt.Println()

	cfg.Identity.UserID = askString(in, "User ID", cfg.Identity.UserID)
	cfg.Identity.DisplayName = askString(in, "Display name", cfg.Identity.DisplayName)
	cfg.Server.URL = askString(in, "Server websocket URL", cfg.Server.URL)

	cfg.Chat.AckTimeoutMs = askInt(in, "Chat ack timeout (ms)", cfg.Chat.AckTimeoutMs)
	cfg.Chat.MaxRetries = askInt(in, "Chat max retries", cfg.Chat.MaxRetries)
	cfg.Presence.IdleTimeoutSec = askInt(in, "Idle timeout (seconds)", cfg.Presence.IdleTimeoutSec)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

func askString(in *bufio.Reader, label, def string) string {
	fmt.Printf("%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, label string, def int) int {
	for {
		fmt.Printf("%s [%d]: ", label, def)
		s, _ := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		fmt.Println("Please enter a number.")
	}
}
