package adminapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fragmesh/storage-node/internal/adminapi"
	"github.com/fragmesh/storage-node/internal/commands"
	"github.com/fragmesh/storage-node/internal/fragindex"
	"github.com/fragmesh/storage-node/internal/peer"
)

type fakePeerSource struct {
	snaps []peer.Snapshot
}

func (f *fakePeerSource) Snapshots() []peer.Snapshot { return f.snaps }

func TestListPeers(t *testing.T) {
	t.Parallel()

	source := &fakePeerSource{snaps: []peer.Snapshot{
		{Remote: "peer-a", State: "READY", IdleSeconds: 1.5, TransferCount: 2},
	}}
	idx := fragindex.New()
	cmds := commands.New(idx, nil, nil, "node", "token", nil, nil)

	_, handler := adminapi.New(source, idx, cmds, nil)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/peers")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []struct {
		Remote        string  `json:"remote"`
		State         string  `json:"state"`
		TransferCount int     `json:"transfer_count"`
		IdleSeconds   float64 `json:"idle_seconds"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 1)
	require.Equal(t, "peer-a", got[0].Remote)
	require.Equal(t, "READY", got[0].State)
	require.Equal(t, 2, got[0].TransferCount)
}

func TestListFragments(t *testing.T) {
	t.Parallel()

	idx := fragindex.New()
	idx.Put("frag-1", "/tmp/frag-1")
	cmds := commands.New(idx, nil, nil, "node", "token", nil, nil)

	_, handler := adminapi.New(&fakePeerSource{}, idx, cmds, nil)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/fragments")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got struct {
		Count     int      `json:"count"`
		Fragments []string `json:"fragments"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, 1, got.Count)
	require.Equal(t, []string{"frag-1"}, got.Fragments)
}

func TestDeleteCommandAccepted(t *testing.T) {
	t.Parallel()

	idx := fragindex.New()
	idx.Put("frag-1", t.TempDir()+"/frag-1")
	cmds := commands.New(idx, nil, nil, "node", "token", nil, nil)

	_, handler := adminapi.New(&fakePeerSource{}, idx, cmds, nil)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/commands/delete", "application/json",
		jsonBody(t, map[string]any{"ids": []string{"frag-1"}}))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	_, ok := idx.Lookup("frag-1")
	require.False(t, ok)
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}
