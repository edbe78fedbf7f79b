package main

import (
	"github.com/bobuhiro11/govhost/flag"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal().Err(err).Msg("govhost")
	}
}
