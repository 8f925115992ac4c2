package api

import (
	"fmt"
	"strings"

	"github.com/markus-barta/harmonyfast/internal/protocol"
)

func normalize(alias string) string {
	return strings.ToLower(strings.TrimSpace(alias))
}

func unknown(kind, alias string) error {
	return fmt.Errorf("%w: %s %q", protocol.ErrUnknownCommand, kind, alias)
}
