package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/brojonat/orbitt/client"
	"github.com/brojonat/orbitt/service/app"
	"github.com/brojonat/orbitt/service/config"
	"github.com/brojonat/orbitt/service/solana"
	"github.com/brojonat/orbitt/service/swap"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

const nativeDecimals = 9

// signerFlags select the sending wallet: an explicit key, or a member of an
// order's ring loaded from the configured credential source.
func signerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "key",
			Aliases: []string{"k"},
			Usage:   "Sender secret key (base64, base58 or file:/path/to/keygen.json)",
			EnvVars: []string{"ORBITT_KEY"},
		},
		&cli.StringFlag{
			Name:  "order",
			Usage: "Use a member of this order's ring as the sender",
		},
		&cli.IntFlag{
			Name:  "member",
			Usage: "Ring position of the sender when --order is set",
		},
	}
}

func transferSOLCommand() *cli.Command {
	return &cli.Command{
		Name:  "sol",
		Usage: "Send SOL; the fee comes out of the amount",
		Flags: append(signerFlags(),
			&cli.StringFlag{Name: "to", Usage: "Recipient address", Required: true},
			&cli.StringFlag{Name: "amount", Aliases: []string{"a"}, Usage: "Amount in SOL"},
			&cli.BoolFlag{Name: "all", Usage: "Send the whole balance"},
		),
		Action: func(c *cli.Context) error {
			to, err := solanago.PublicKeyFromBase58(c.String("to"))
			if err != nil {
				return fmt.Errorf("invalid recipient: %w", err)
			}
			lamports, err := amountFlag(c, "amount", "all", nativeDecimals)
			if err != nil {
				return err
			}
			cfg, core, err := getCore(c)
			if err != nil {
				return err
			}
			from, err := resolveSigner(c, cfg)
			if err != nil {
				return err
			}

			res, err := core.Transfers.SendNative(c.Context, solana.NativeTransfer{
				From:     from,
				To:       to,
				Lamports: lamports,
				All:      c.Bool("all"),
			})
			if err != nil {
				return fmt.Errorf("transfer failed: %w", err)
			}
			return printTransfer(c, res)
		},
	}
}

func transferTokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Send tokens, creating the recipient's token account if needed",
		Flags: append(signerFlags(),
			&cli.StringFlag{Name: "to", Usage: "Recipient owner address", Required: true},
			&cli.StringFlag{Name: "mint", Aliases: []string{"m"}, Usage: "Token mint", Required: true},
			&cli.StringFlag{Name: "amount", Aliases: []string{"a"}, Usage: "Amount in whole tokens"},
			&cli.BoolFlag{Name: "all", Usage: "Send the whole token balance"},
		),
		Action: func(c *cli.Context) error {
			to, err := solanago.PublicKeyFromBase58(c.String("to"))
			if err != nil {
				return fmt.Errorf("invalid recipient: %w", err)
			}
			mint, err := solanago.PublicKeyFromBase58(c.String("mint"))
			if err != nil {
				return fmt.Errorf("invalid mint: %w", err)
			}
			cfg, core, err := getCore(c)
			if err != nil {
				return err
			}
			decimals, err := core.Inspector.Decimals(c.Context, mint)
			if err != nil {
				return err
			}
			amount, err := amountFlag(c, "amount", "all", decimals)
			if err != nil {
				return err
			}
			from, err := resolveSigner(c, cfg)
			if err != nil {
				return err
			}

			res, err := core.Transfers.SendToken(c.Context, solana.TokenTransfer{
				From:   from,
				To:     to,
				Mint:   mint,
				Amount: amount,
				All:    c.Bool("all"),
			})
			if err != nil {
				return fmt.Errorf("transfer failed: %w", err)
			}
			return printTransfer(c, res)
		},
	}
}

func transferBothCommand() *cli.Command {
	return &cli.Command{
		Name:  "both",
		Usage: "Send SOL and tokens in one atomic transaction",
		Flags: append(signerFlags(),
			&cli.StringFlag{Name: "to", Usage: "Recipient owner address", Required: true},
			&cli.StringFlag{Name: "mint", Aliases: []string{"m"}, Usage: "Token mint", Required: true},
			&cli.StringFlag{Name: "sol", Usage: "Amount of SOL"},
			&cli.BoolFlag{Name: "all-sol", Usage: "Send the whole SOL balance less fees"},
			&cli.StringFlag{Name: "tokens", Usage: "Amount in whole tokens"},
			&cli.BoolFlag{Name: "all-tokens", Usage: "Send the whole token balance"},
		),
		Action: func(c *cli.Context) error {
			to, err := solanago.PublicKeyFromBase58(c.String("to"))
			if err != nil {
				return fmt.Errorf("invalid recipient: %w", err)
			}
			mint, err := solanago.PublicKeyFromBase58(c.String("mint"))
			if err != nil {
				return fmt.Errorf("invalid mint: %w", err)
			}
			lamports, err := amountFlag(c, "sol", "all-sol", nativeDecimals)
			if err != nil {
				return err
			}
			cfg, core, err := getCore(c)
			if err != nil {
				return err
			}
			decimals, err := core.Inspector.Decimals(c.Context, mint)
			if err != nil {
				return err
			}
			tokens, err := amountFlag(c, "tokens", "all-tokens", decimals)
			if err != nil {
				return err
			}
			from, err := resolveSigner(c, cfg)
			if err != nil {
				return err
			}

			res, err := core.Transfers.SendCombined(c.Context, solana.CombinedTransfer{
				From:      from,
				To:        to,
				Mint:      mint,
				Lamports:  lamports,
				Tokens:    tokens,
				AllNative: c.Bool("all-sol"),
				AllTokens: c.Bool("all-tokens"),
			})
			if err != nil {
				return fmt.Errorf("transfer failed: %w", err)
			}
			return printTransfer(c, res)
		},
	}
}

func swapCommand() *cli.Command {
	return &cli.Command{
		Name:  "swap",
		Usage: "Swap through the aggregator after a clean simulation",
		Flags: append(signerFlags(),
			&cli.StringFlag{Name: "from", Usage: "Input mint, or SOL", Value: "SOL"},
			&cli.StringFlag{Name: "to", Usage: "Output mint, or SOL", Required: true},
			&cli.StringFlag{Name: "amount", Aliases: []string{"a"}, Usage: "Amount of the input in whole units", Required: true},
			&cli.IntFlag{Name: "slippage-bps", Usage: "Slippage tolerance (default from SLIPPAGE_BPS)"},
		),
		Action: func(c *cli.Context) error {
			inputMint, err := parseMint(c.String("from"))
			if err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}
			outputMint, err := parseMint(c.String("to"))
			if err != nil {
				return fmt.Errorf("invalid --to: %w", err)
			}
			if inputMint.Equals(outputMint) {
				return fmt.Errorf("--from and --to are the same mint")
			}
			cfg, core, err := getCore(c)
			if err != nil {
				return err
			}
			var decimals uint8 = nativeDecimals
			if !inputMint.Equals(solanago.WrappedSol) {
				if decimals, err = core.Inspector.Decimals(c.Context, inputMint); err != nil {
					return err
				}
			}
			amount, err := amountFlag(c, "amount", "", decimals)
			if err != nil {
				return err
			}
			slippage := cfg.SlippageBps
			if c.IsSet("slippage-bps") {
				slippage = c.Int("slippage-bps")
			}
			signer, err := resolveSigner(c, cfg)
			if err != nil {
				return err
			}

			out, err := core.Swaps.Swap(c.Context, swap.Request{
				Signer:      signer,
				InputMint:   inputMint,
				OutputMint:  outputMint,
				Amount:      amount,
				SlippageBps: slippage,
			})
			if err != nil {
				if out != nil {
					fmt.Fprintf(os.Stderr, "Last signature: %s\n", out.Signature)
				}
				return fmt.Errorf("swap failed: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(out)
			}
			fmt.Printf("Swap %s\n", out.Status)
			fmt.Printf("  Signature: %s\n", out.Signature)
			return nil
		},
	}
}

func balanceCommand() *cli.Command {
	return &cli.Command{
		Name:      "balance",
		Usage:     "Show a wallet's SOL and token holdings and their value split",
		ArgsUsage: "ADDRESS",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "mint", Aliases: []string{"m"}, Usage: "Token mint", Required: true},
		},
		Action: func(c *cli.Context) error {
			arg, err := requireArg(c, "ADDRESS")
			if err != nil {
				return err
			}
			owner, err := solanago.PublicKeyFromBase58(arg)
			if err != nil {
				return fmt.Errorf("invalid address: %w", err)
			}
			mint, err := solanago.PublicKeyFromBase58(c.String("mint"))
			if err != nil {
				return fmt.Errorf("invalid mint: %w", err)
			}

			if serverURL := c.String("server-url"); serverURL != "" {
				b, err := client.NewClient(serverURL, nil, getLogger(c)).GetBalance(c.Context, owner.String(), mint.String())
				if err != nil {
					return fmt.Errorf("failed to read balances: %w", err)
				}
				if c.Bool("json") {
					return outputJSON(b)
				}
				printBalance(b.Owner, b.TokenAccount, b.NativeUI, b.TokenUI, b.RelativeNative, b.RelativeToken)
				return nil
			}

			_, core, err := getCore(c)
			if err != nil {
				return err
			}

			snap, err := core.Inspector.Peek(c.Context, owner, mint)
			if err != nil {
				return fmt.Errorf("failed to read balances: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(snap)
			}
			printBalance(snap.Owner.String(), snap.TokenAccount.String(), snap.NativeUI(), snap.TokenUI(), snap.RelativeNative, snap.RelativeToken)
			return nil
		},
	}
}

func printBalance(owner, tokenAccount string, native, tokens, relNative, relToken decimal.Decimal) {
	hundred := decimal.NewFromInt(100)
	fmt.Printf("Owner: %s\n", owner)
	fmt.Printf("Token account: %s\n", tokenAccount)
	fmt.Printf("SOL: %s\n", native.String())
	fmt.Printf("Tokens: %s\n", tokens.String())
	fmt.Printf("Native share: %s%%\n", relNative.Mul(hundred).StringFixed(2))
	fmt.Printf("Token share: %s%%\n", relToken.Mul(hundred).StringFixed(2))
}

// resolveSigner returns the key named by --key, or the ring member named by
// --order and --member.
func resolveSigner(c *cli.Context, cfg *config.Config) (solanago.PrivateKey, error) {
	if key := c.String("key"); key != "" {
		return solana.ParsePrivateKey(key)
	}
	orderID := c.String("order")
	if orderID == "" {
		return nil, fmt.Errorf("a sender is required: use --key or --order with --member")
	}

	var rings app.RingLoader
	switch cfg.CredentialSource {
	case config.CredentialsDB:
		store, closer, err := getStore(c)
		if err != nil {
			return nil, err
		}
		defer closer()
		rings = store
	default:
		r, err := app.Rings(cfg, nil)
		if err != nil {
			return nil, err
		}
		rings = r
	}

	ring, err := rings.GetRing(c.Context, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ring: %w", err)
	}
	member := c.Int("member")
	if member < 0 || member >= len(ring.Members) {
		return nil, fmt.Errorf("member %d out of range, ring %s has %d members", member, orderID, len(ring.Members))
	}
	return ring.Members[member], nil
}

// amountFlag reads a whole-unit amount flag as raw units. When allFlag is
// set the amount may be omitted.
func amountFlag(c *cli.Context, name, allFlag string, decimals uint8) (uint64, error) {
	all := allFlag != "" && c.Bool(allFlag)
	s := c.String(name)
	switch {
	case s == "" && all:
		return 0, nil
	case s == "":
		if allFlag == "" {
			return 0, fmt.Errorf("--%s is required", name)
		}
		return 0, fmt.Errorf("--%s or --%s is required", name, allFlag)
	case all:
		return 0, fmt.Errorf("--%s and --%s are mutually exclusive", name, allFlag)
	}
	return toRaw(s, decimals)
}

// toRaw converts a whole-unit amount to raw units of a mint with decimals.
func toRaw(s string, decimals uint8) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("amount must be positive, got %s", s)
	}
	raw := d.Shift(int32(decimals))
	if !raw.IsInteger() {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", s, decimals)
	}
	bi := raw.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("amount %s is too large", s)
	}
	return bi.Uint64(), nil
}

func parseMint(s string) (solanago.PublicKey, error) {
	if strings.EqualFold(s, "sol") {
		return solanago.WrappedSol, nil
	}
	return solanago.PublicKeyFromBase58(s)
}

func printTransfer(c *cli.Context, res *solana.TransferResult) error {
	if c.Bool("json") {
		return outputJSON(res)
	}
	fmt.Printf("Transfer sent\n")
	fmt.Printf("  Signature: %s\n", res.Signature)
	fmt.Printf("  Lamports:  %d\n", res.Lamports)
	fmt.Printf("  Tokens:    %d\n", res.Tokens)
	fmt.Printf("  Fee:       %d\n", res.Fee)
	if res.Probable {
		fmt.Fprintln(os.Stderr, "Warning: transfer was not confirmed; balances indicate it most likely landed")
	}
	return nil
}
