/*
Package client provides a Go client for the slurmsync manager gRPC API.

The CLI and agents use it to submit membership events, read convergence
status and the published config, rotate the auth secret and join managers
to the Raft cluster.

	c, err := client.NewClient("10.0.0.1:6831")
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Join(ctx, cfg.JoinEvent()); err != nil {
		return err
	}

Addresses are host:port pairs, or unix:// paths to the manager's read-only
socket.

# Errors

Calls the manager refuses are returned as *APIError carrying the gRPC code.
When a follower answers, Leader carries the Raft address of the current
leader:

	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Code == codes.Unavailable {
		log.Printf("retry against the leader at %s", apiErr.Leader)
	}

Ready treats a cluster that has not converged as an answer rather than an
error.
*/
package client
