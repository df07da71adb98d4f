package main

import (
	"os"

	"horse.fit/toonrank/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
