// Command echo-mcp-server runs the echo MCP server over stdio. It is a
// reference peer for exercising mcphub end to end.
package main

import (
	"log"

	"github.com/mark3labs/mcp-go/server"

	"github.com/nugget/mcphub/internal/mcpserver/echo"
)

func main() {
	if err := server.ServeStdio(echo.NewServer()); err != nil {
		log.Fatal(err)
	}
}
