// Command gengar runs the rotating forward-proxy fleet: scraper, health
// checker, gateway listener, and administrative API in one process.
package main

import "os"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
