package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/eventcore/eventcore/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show eventcore server status",
	Long: `Query the scheduler and CEP status of a running eventcore instance
over HTTP. Reads the same config file / flags start would use to figure out
where that instance is listening.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().String("config", "", "Path to eventcore.toml config file")
	statusCmd.Flags().String("host", "", "Server host (default 0.0.0.0)")
	statusCmd.Flags().Int("port", 0, "Server port (default 8090)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	flags := make(map[string]string)
	if v, _ := cmd.Flags().GetString("host"); v != "" {
		flags["host"] = v
	}
	if v, _ := cmd.Flags().GetInt("port"); v != 0 {
		flags["port"] = fmt.Sprintf("%d", v)
	}
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	base := "http://" + dialableAddress(cfg.Address())

	schedulerBody, schedulerErr := getJSON(client, base+"/events/scheduler/status")
	if schedulerErr != nil {
		fmt.Printf("scheduler: unreachable (%v)\n", schedulerErr)
	} else {
		fmt.Printf("scheduler: %s\n", schedulerBody)
	}

	cepBody, cepErr := getJSON(client, base+"/events/cep/status")
	if cepErr != nil {
		fmt.Printf("cep: unreachable (%v)\n", cepErr)
	} else {
		fmt.Printf("cep: %s\n", cepBody)
	}

	if schedulerErr != nil && cepErr != nil {
		return fmt.Errorf("eventcore is not reachable at %s", base)
	}
	return nil
}

// dialableAddress rewrites a listen address's bind host (0.0.0.0, the
// server's default) into a host a client can actually dial.
func dialableAddress(addr string) string {
	if strings.HasPrefix(addr, "0.0.0.0:") {
		return "127.0.0.1" + strings.TrimPrefix(addr, "0.0.0.0")
	}
	return addr
}

// getJSON fetches url and re-marshals the decoded body compactly, so output
// stays stable regardless of the server's own formatting.
func getJSON(client *http.Client, url string) (string, error) {
	resp, err := client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body), nil
	}
	compact, err := json.Marshal(v)
	if err != nil {
		return string(body), nil
	}
	return string(compact), nil
}
