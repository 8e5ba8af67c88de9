// bids-import files a local scan folder into a BIDS work tree the way the
// gear does during a platform run.
package main

import (
	"flag"
	"log"

	"github.com/khula-data/gambas/internal/bids"
)

var (
	src  = flag.String("src", "", "Folder holding downloaded scans")
	work = flag.String("work", "", "BIDS work tree root")
	sub  = flag.String("sub", "", "Subject label")
	ses  = flag.String("ses", "", "Session label")
)

func main() {
	flag.Parse()
	if *src == "" || *work == "" || *sub == "" || *ses == "" {
		log.Fatal("usage: bids-import -src <dir> -work <dir> -sub <label> -ses <label>")
	}

	layout := bids.NewLayout(*work)
	if err := layout.Setup(); err != nil {
		log.Fatalf("failed to set up layout: %v", err)
	}

	subLabel := bids.SubjectLabel(*sub)
	sesLabel := bids.SessionLabel(*ses)
	files, err := bids.ImportSession(layout, *src, subLabel, sesLabel)
	if err != nil {
		log.Fatalf("import failed: %v", err)
	}
	for _, f := range files {
		log.Printf("imported %s", f)
	}
}
