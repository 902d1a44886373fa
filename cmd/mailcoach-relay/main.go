// Command mailcoach-relay relays email to the Mailcoach transactional-mail API.
package main

import "github.com/shineum/mailcoach-relay/internal/cli"

func main() {
	cli.Execute()
}
