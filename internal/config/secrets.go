package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// secretsFile mirrors the secrets.yaml layout used by existing deployments.
type secretsFile struct {
	TelegramBotToken string     `yaml:"telegram_bot_api_key"`
	AllowedChatIDs   chatIDList `yaml:"telegram_allowed_chat_ids"`
	AuthorizationKey string     `yaml:"gigachat_authorization_key"`
}

// chatIDList accepts a YAML sequence of ids (numbers or quoted strings) or a
// single comma-separated scalar.
type chatIDList []int64

func (l *chatIDList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		ids, err := parseChatIDs(value.Value)
		if err != nil {
			return err
		}
		*l = ids
		return nil
	case yaml.SequenceNode:
		ids := make([]int64, 0, len(value.Content))
		for _, item := range value.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: chat id must be a scalar", item.Line)
			}
			id, err := strconv.ParseInt(strings.TrimSpace(item.Value), 10, 64)
			if err != nil {
				return fmt.Errorf("line %d: chat id %q: %w", item.Line, item.Value, err)
			}
			ids = append(ids, id)
		}
		*l = ids
		return nil
	default:
		return fmt.Errorf("line %d: telegram_allowed_chat_ids must be a list", value.Line)
	}
}

// loadSecrets reads the secrets file. A missing file yields empty secrets.
func loadSecrets(path string) (secretsFile, error) {
	var s secretsFile
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse %s: %w", path, err)
	}
	return s, nil
}
