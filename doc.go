// Package mcprobe implements an inspector core for the Model Context
// Protocol (MCP): clients for the stdio, TCP, and streamable HTTP transports
// behind one Client interface, and a ConnectionService that manages a single
// live connection, tracks its state on the server descriptor, and fans
// server pushes out to registered observers.
//
// A typical session connects through the service and then works the server's
// catalogs:
//
//	svc := mcprobe.NewConnectionService()
//	server := &mcprobe.Server{
//		Name:      "everything",
//		Transport: mcprobe.TransportStdio,
//		Command:   "npx",
//		Args:      []string{"-y", "@modelcontextprotocol/server-everything"},
//	}
//	if err := svc.Connect(ctx, server); err != nil {
//		log.Fatal(err)
//	}
//	defer svc.Disconnect()
//
//	tools, err := svc.ListTools(ctx)
//
// The transport clients can also be used directly when no state tracking is
// needed; see StdioClient, TCPClient, and HTTPClient.
package mcprobe
