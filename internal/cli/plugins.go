package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkent/workbench/internal/config"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Inspect and control plugins on a running daemon",
}

var pluginsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed plugins and their instance states",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := callDaemon("plugin.list", nil)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var pluginsRescanCmd = &cobra.Command{
	Use:   "rescan",
	Short: "Rescan the plugin directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := callDaemon("plugin.rescan", nil); err != nil {
			return err
		}
		fmt.Println("Rescan complete")
		return nil
	},
}

var pluginsStartCmd = &cobra.Command{
	Use:   "start <plugin-id>",
	Short: "Start a plugin instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := callDaemon("plugin.start", map[string]any{"pluginId": args[0]}); err != nil {
			return err
		}
		fmt.Printf("Plugin %s started\n", args[0])
		return nil
	},
}

var pluginsStopCmd = &cobra.Command{
	Use:   "stop <plugin-id>",
	Short: "Stop a plugin instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := callDaemon("plugin.stop", map[string]any{"pluginId": args[0]}); err != nil {
			return err
		}
		fmt.Printf("Plugin %s stopped\n", args[0])
		return nil
	},
}

func init() {
	pluginsCmd.AddCommand(pluginsListCmd)
	pluginsCmd.AddCommand(pluginsRescanCmd)
	pluginsCmd.AddCommand(pluginsStartCmd)
	pluginsCmd.AddCommand(pluginsStopCmd)
	rootCmd.AddCommand(pluginsCmd)
}

// callDaemon sends one RPC envelope to the running daemon's HTTP endpoint.
func callDaemon(method string, params map[string]any) (any, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"id":     fmt.Sprintf("cli-%d", time.Now().UnixNano()),
		"method": method,
		"params": params,
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("http://%s:%d/rpc", cfg.Gateway.Host, cfg.Gateway.Port)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Gateway.SharedSecret != "" {
		req.Header.Set("X-Workbench-Secret", cfg.Gateway.SharedSecret)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable at %s: %w", url, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Result any `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode daemon response: %w", err)
	}
	if envelope.Error != nil {
		return nil, fmt.Errorf("daemon error %d: %s", envelope.Error.Code, envelope.Error.Message)
	}
	return envelope.Result, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
