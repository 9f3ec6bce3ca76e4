// File: connector/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package connector is the control surface of one proxy route. A Connector
// binds the local port, seeds a work queue with the accept listener and runs
// a fixed pool of reactor workers that relay every accepted connection to the
// remote endpoint.
//
//	c := connector.New(cfg, connector.WithLogger(log))
//	if err := c.Start(4); err != nil {
//		return err
//	}
//	defer c.Shutdown()
package connector
