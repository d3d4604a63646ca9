package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/orbitt/service/config"
	"github.com/brojonat/orbitt/service/db"
	"github.com/brojonat/orbitt/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

func createOrderCommand() *cli.Command {
	return &cli.Command{
		Name:      "create",
		Usage:     "Create an order with a freshly generated ring",
		ArgsUsage: "ORDER_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "mint",
				Aliases:  []string{"m"},
				Usage:    "Token mint the ring rotates",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "size",
				Usage: "Order size in whole SOL (informational)",
				Value: "0",
			},
			&cli.IntFlag{
				Name:    "members",
				Aliases: []string{"n"},
				Usage:   "Number of ring members to generate",
				Value:   3,
			},
			&cli.StringFlag{
				Name:  "export",
				Usage: "Also write the ring as a RING_FILE document to this path",
			},
		},
		Action: func(c *cli.Context) error {
			orderID, err := requireArg(c, "ORDER_ID")
			if err != nil {
				return err
			}
			mint, err := solanago.PublicKeyFromBase58(c.String("mint"))
			if err != nil {
				return fmt.Errorf("invalid mint: %w", err)
			}
			size, err := decimal.NewFromString(c.String("size"))
			if err != nil || size.IsNegative() {
				return fmt.Errorf("invalid size %q", c.String("size"))
			}
			n := c.Int("members")
			if n < 2 {
				return fmt.Errorf("a ring needs at least 2 members, got %d", n)
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			members := generateRing(n)

			order, err := store.CreateOrder(c.Context, db.CreateOrderParams{
				ID:        orderID,
				Mint:      mint.String(),
				OrderSize: size,
			})
			if err != nil {
				return fmt.Errorf("failed to create order: %w", err)
			}
			if err := store.SaveRing(c.Context, orderID, members); err != nil {
				return fmt.Errorf("failed to save ring: %w", err)
			}
			order.RingSize = len(members)

			if path := c.String("export"); path != "" {
				if err := exportRing(path, orderID, mint, members); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "Ring keys written to %s\n", path)
			}

			addresses := make([]string, len(members))
			for i, m := range members {
				addresses[i] = m.PublicKey().String()
			}
			if c.Bool("json") {
				return outputJSON(orderView{Order: order, Members: addresses})
			}
			printOrder(order, addresses)
			return nil
		},
	}
}

func showOrderCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Show an order and its ring addresses",
		ArgsUsage: "ORDER_ID",
		Action: func(c *cli.Context) error {
			orderID, err := requireArg(c, "ORDER_ID")
			if err != nil {
				return err
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			order, err := store.GetOrder(c.Context, orderID)
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("order %s not found", orderID)
			}
			if err != nil {
				return fmt.Errorf("failed to get order: %w", err)
			}
			addresses, err := store.RingAddresses(c.Context, orderID)
			if err != nil {
				return fmt.Errorf("failed to get ring: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(orderView{Order: order, Members: addresses})
			}
			printOrder(order, addresses)
			return nil
		},
	}
}

func listOrdersCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Usage:   "List orders",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (pending, running, stopped, halted, completed)",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			orders, err := store.ListOrders(c.Context, c.String("status"))
			if err != nil {
				return fmt.Errorf("failed to list orders: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(orders)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMINT\tSTATUS\tRING\tSIZE\tWORKFLOW\tCREATED")
			for _, o := range orders {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					o.ID,
					o.Mint,
					o.Status,
					o.RingSize,
					o.OrderSize.String(),
					formatOptional(o.WorkflowID),
					o.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d orders\n", len(orders))
			return nil
		},
	}
}

type orderView struct {
	*db.Order
	Members []string `json:"members"`
}

func generateRing(n int) []solanago.PrivateKey {
	members := make([]solanago.PrivateKey, n)
	for i := range members {
		members[i] = solanago.NewWallet().PrivateKey
	}
	return members
}

// exportRing writes the ring in the RING_FILE format. The file holds secret
// keys and is created owner-readable only.
func exportRing(path, orderID string, mint solanago.PublicKey, members []solanago.PrivateKey) error {
	order := config.RingFileOrder{ID: orderID, Mint: mint.String()}
	for _, m := range members {
		order.Members = append(order.Members, solana.EncodePrivateKey(m))
	}
	data, err := yaml.Marshal(config.RingFile{Orders: []config.RingFileOrder{order}})
	if err != nil {
		return fmt.Errorf("failed to encode ring file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write ring file: %w", err)
	}
	return nil
}

func printOrder(order *db.Order, members []string) {
	fmt.Printf("Order: %s\n", order.ID)
	fmt.Printf("Mint: %s\n", order.Mint)
	fmt.Printf("Status: %s\n", order.Status)
	fmt.Printf("Size: %s SOL\n", order.OrderSize.String())
	fmt.Printf("Workflow: %s\n", formatOptional(order.WorkflowID))
	fmt.Printf("Created: %s\n", order.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Ring (%d members):\n", len(members))
	for i, m := range members {
		fmt.Printf("  %d  %s\n", i, m)
	}
}

func formatOptional(s *string) string {
	if s != nil && *s != "" {
		return *s
	}
	return "-"
}
