// Command syncpad runs the relay server: join tokens, per-document
// websocket hubs, operation archive, optional cross-instance fan-out.
package main

import (
	"context"
	"log"
	"net/http"

	"github.com/coedit/syncpad/internal/config"
	"github.com/coedit/syncpad/internal/hub"
	"github.com/coedit/syncpad/internal/storage/mongostore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()

	var archive hub.Archive
	if cfg.MongoURI != "" {
		store, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			log.Fatal(err)
		}
		defer store.Close(ctx)
		archive = store
		log.Printf("archiving operations to mongo db %s", cfg.MongoDB)
	} else {
		log.Print("no mongo configured, archive is in-memory")
	}

	var bus hub.Bus
	if cfg.RedisAddr != "" {
		rb, err := hub.NewRedisBus(ctx, cfg.RedisAddr)
		if err != nil {
			log.Fatal(err)
		}
		defer rb.Close()
		bus = rb
		log.Printf("fanning out across instances via redis at %s", cfg.RedisAddr)
	}

	srv := hub.NewServer(ctx, []byte(cfg.JWTSecret), archive, bus, log.Printf)
	log.Printf("listening on %s", cfg.Addr)
	log.Fatal(http.ListenAndServe(cfg.Addr, srv.Router()))
}
