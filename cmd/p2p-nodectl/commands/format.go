package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

func formatPeers(peers []peerView, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(peers)
	case formatTable:
		return formatPeersTable(peers)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatPeersTable(peers []peerView) (string, error) {
	var sb strings.Builder
	tw := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REMOTE\tSTATE\tIDLE(s)\tTRANSFERS")
	for _, p := range peers {
		fmt.Fprintf(tw, "%s\t%s\t%.1f\t%d\n", p.Remote, p.State, p.IdleSeconds, p.TransferCount)
	}
	if err := tw.Flush(); err != nil {
		return "", fmt.Errorf("flush table: %w", err)
	}
	return sb.String(), nil
}

func formatFragments(fragments fragmentsView, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(fragments)
	case formatTable:
		var sb strings.Builder
		fmt.Fprintf(&sb, "count: %d\n", fragments.Count)
		for _, id := range fragments.Fragments {
			fmt.Fprintf(&sb, "  %s\n", id)
		}
		return sb.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatJSONValue(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	return string(data) + "\n", nil
}
