// Command queuedump prints the pending operations in an offline queue
// file, for digging into sync incidents.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/sanity-io/litter"

	"github.com/coedit/syncpad/internal/storage/sqlitestore"
)

func main() {
	path := flag.String("db", "syncpad-queue.db", "offline queue database file")
	flag.Parse()

	store, err := sqlitestore.Open(*path)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	pending, err := store.LoadPending(context.Background())
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("%d pending operation(s) in %s\n", len(pending), *path)
	for i, o := range pending {
		fmt.Printf("--- #%d\n", i)
		litter.Dump(o)
	}
}
