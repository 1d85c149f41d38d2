package storage

import (
	"fmt"
	"io"

	"github.com/subosito/gotenv"
)

// encodeEnv renders a node environment file. gotenv sorts keys and quotes
// values, so identical inputs give byte-identical files.
func encodeEnv(id, hostname string, env map[string]string) (string, error) {
	body, err := gotenv.Marshal(gotenv.Env(env))
	if err != nil {
		return "", err
	}
	header := fmt.Sprintf("# seed deployment %s\n# node %s\n", id, hostname)
	return header + body + "\n", nil
}

// decodeEnv parses an environment file strictly; a malformed line is an error
// rather than a silently dropped variable.
func decodeEnv(r io.Reader) (map[string]string, error) {
	env, err := gotenv.StrictParse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment file: %w", err)
	}
	return map[string]string(env), nil
}
