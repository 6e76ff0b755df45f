package main

import (
	"github.com/galdor/go-service/pkg/service"
)

func main() {
	service.Run("replfs-server", "a replicated flat-file store replica",
		NewService())
}
