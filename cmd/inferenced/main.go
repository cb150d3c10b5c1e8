package main

import (
	"log"

	"inferpay/services/inferenced"
)

func main() {
	if err := inferenced.Main(); err != nil {
		log.Fatalf("inferenced: %v", err)
	}
}
