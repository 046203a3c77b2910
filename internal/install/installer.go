// Package install registers `pitstop mcp` with the MCP clients found on this
// machine.
package install

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// ServerName is the key written under mcpServers.
const ServerName = "pitstop"

// ErrNoClients is returned when no known MCP config file exists.
var ErrNoClients = errors.New("no supported MCP configurations found")

// ConfigPath represents a known location for MCP settings
type ConfigPath struct {
	Name string
	Path string
}

// UserConfigPaths returns candidate MCP config files under home for goos.
func UserConfigPaths(home, goos string) []ConfigPath {
	paths := []ConfigPath{
		{Name: "Cursor", Path: filepath.Join(home, ".cursor/mcp.json")},
		{Name: "Claude Code CLI", Path: filepath.Join(home, ".claude.json")},
		{Name: "Kiro", Path: filepath.Join(home, ".kiro/settings/mcp.json")},
	}
	switch goos {
	case "darwin":
		support := filepath.Join(home, "Library/Application Support")
		paths = append(paths,
			ConfigPath{Name: "Claude Desktop", Path: filepath.Join(support, "Claude/claude_desktop_config.json")},
			ConfigPath{Name: "Cline (VS Code)", Path: filepath.Join(support, "Code/User/globalStorage/saoudrizwan.claude-dev/settings/cline_mcp_settings.json")},
			ConfigPath{Name: "VS Code (Generic MCP)", Path: filepath.Join(support, "Code/User/mcp.json")},
		)
	case "linux":
		config := filepath.Join(home, ".config")
		paths = append(paths,
			ConfigPath{Name: "Claude Desktop", Path: filepath.Join(config, "Claude/claude_desktop_config.json")},
			ConfigPath{Name: "Cline (VS Code)", Path: filepath.Join(config, "Code/User/globalStorage/saoudrizwan.claude-dev/settings/cline_mcp_settings.json")},
		)
	}
	return paths
}

// MCPServerConfig represents individual server settings
type MCPServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Entry is the server entry for a pitstop binary talking to the API at addr.
func Entry(binaryPath, addr string) MCPServerConfig {
	return MCPServerConfig{
		Command: binaryPath,
		Args:    []string{"mcp", "--server", addr},
	}
}

// Install patches every existing config file in configs and returns the
// names of the clients it configured.
func Install(configs []ConfigPath, entry MCPServerConfig, logger zerolog.Logger) ([]string, error) {
	var installed []string
	for _, cfg := range configs {
		if _, err := os.Stat(cfg.Path); os.IsNotExist(err) {
			continue
		}

		log := logger.With().Str("client", cfg.Name).Str("path", cfg.Path).Logger()
		if err := patchConfigFile(cfg.Path, entry); err != nil {
			log.Warn().Err(err).Msg("failed to patch MCP config")
			continue
		}
		log.Info().Msg("configured MCP client")
		installed = append(installed, cfg.Name)
	}

	if len(installed) == 0 {
		return nil, ErrNoClients
	}
	return installed, nil
}

// patchConfigFile sets mcpServers.pitstop and keeps every other key.
func patchConfigFile(path string, entry MCPServerConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	root := make(map[string]json.RawMessage)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &root); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	servers := make(map[string]json.RawMessage)
	if raw, ok := root["mcpServers"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &servers); err != nil {
			return fmt.Errorf("parse mcpServers in %s: %w", path, err)
		}
	}

	if servers[ServerName], err = json.Marshal(entry); err != nil {
		return err
	}
	if root["mcpServers"], err = json.Marshal(servers); err != nil {
		return err
	}

	newData, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(newData, '\n'), info.Mode().Perm())
}
