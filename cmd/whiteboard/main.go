package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"whiteboard/cmd/internal/app"
	"whiteboard/cmd/internal/discovery"
)

func main() {
	discover := flag.Bool("discover", false, "List whiteboard servers advertised on the LAN and exit")
	wait := flag.Duration("discover-timeout", 2*time.Second, "How long -discover listens for answers")
	flag.Parse()

	if *discover {
		if err := listLAN(*wait); err != nil {
			log.Fatal(err)
		}
		return
	}

	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}

func listLAN(wait time.Duration) error {
	found, err := discovery.Browse(context.Background(), wait)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Println("no whiteboard servers found")
		return nil
	}
	for _, f := range found {
		fmt.Printf("%s\tws://%s%s\tboard_id=%s\n", f.Instance, f.Addr, f.WSPath, f.BoardID)
	}
	return nil
}
