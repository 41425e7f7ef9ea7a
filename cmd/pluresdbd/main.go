// Command pluresdbd is a thin manual-test harness, not a CLI surface: it
// wires two local peers together over the mesh replicator and exercises a
// handful of operations so the convergence behavior can be watched by eye.
// Argument parsing, a real CLI, and an HTTP/SSE API are out of scope and
// live in a layer above this core.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/pluresdb/pluresdb/internal/rules"
	"github.com/pluresdb/pluresdb/internal/types"
	"github.com/pluresdb/pluresdb/pkg/pluresdb"
)

func main() {
	ctx := context.Background()

	appDataDir := os.Getenv("XDG_DATA_HOME")
	if appDataDir == "" {
		home, _ := os.UserHomeDir()
		appDataDir = filepath.Join(home, ".local", "share", "pluresdb")
	}
	os.MkdirAll(appDataDir, 0o755)

	peerA, err := pluresdb.Open(ctx, pluresdb.Options{
		PeerID:      "peer-a",
		PersistPath: filepath.Join(appDataDir, "peer-a"),
		ListenAddr:  "127.0.0.1:0",
	})
	if err != nil {
		log.Fatal(err)
	}
	defer peerA.Close()

	peerA.AddRule(rules.Rule{
		Name: "derive-tagline",
		Eval: func(ctx context.Context, record *types.Record, rc *rules.Context) error {
			if record.Type != "note" {
				return nil
			}
			title, _ := record.Data["title"].(string)
			if title == "" {
				return nil
			}
			_, err := rc.Put(ctx, record.ID+"-tagline", map[string]any{
				"type": "tagline",
				"text": fmt.Sprintf("derived from %q", title),
			})
			return err
		},
	})

	peerB, err := pluresdb.Open(ctx, pluresdb.Options{
		PeerID:      "peer-b",
		PersistPath: filepath.Join(appDataDir, "peer-b"),
	})
	if err != nil {
		log.Fatal(err)
	}
	defer peerB.Close()

	unsub := peerB.SubscribeAll(func(id string, record *types.Record) {
		if record == nil {
			fmt.Printf("peer-b: %s deleted\n", id)
			return
		}
		fmt.Printf("peer-b: %s merged -> %v\n", id, record.Data)
	})
	defer unsub()

	if err := peerB.Dial(ctx, peerA.ListenAddr()); err != nil {
		log.Fatal(err)
	}

	if _, err := peerA.Put(ctx, "note-1", map[string]any{
		"type":  "note",
		"title": "grocery list",
		"text":  "eggs, bread, coffee",
	}); err != nil {
		log.Fatal(err)
	}

	time.Sleep(200 * time.Millisecond)

	if _, err := peerB.Put(ctx, "note-1", map[string]any{"pinned": true}); err != nil {
		log.Fatal(err)
	}

	time.Sleep(200 * time.Millisecond)

	merged, err := peerA.Get(ctx, "note-1")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("peer-a converged note-1 -> %v\n", merged.Data)

	query, err := peerA.VectorSearch(ctx, merged.Vector, 3)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("peer-a vector search near note-1 -> %v\n", query)

	fmt.Println("pluresdbd demo complete")
}
