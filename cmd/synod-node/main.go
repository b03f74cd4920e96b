package main

import (
	"github.com/galdor/go-service/pkg/service"
)

func main() {
	service.Run("synod-node", "a lease-based leader election node", NewService())
}
