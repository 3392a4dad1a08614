package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"text/tabwriter"

	"saltvault/internal/client"
)

const usage = `usage: saltvault <command> [args]

commands:
  config <server-url>     save the server URL to the config file
  register <username>     create an account and log in
  login <username>        log in
  logout                  forget the saved session
  upload <path>...        encrypt and store files (directories: top-level files)
  download <name>         print a decrypted file to stdout
  ls                      list stored files
  rm <name>               delete a stored file

environment:
  SALTVAULT_URL           server URL (overrides the config file)
  SALTVAULT_CONFIG        config file path
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ve *client.ValidationError
		if errors.As(err, &ve) {
			fmt.Fprint(os.Stderr, "\n"+usage)
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cmd, err := client.ParseCommand(args)
	if err != nil {
		return err
	}

	cfgPath, err := client.DefaultConfigPath()
	if err != nil {
		return err
	}
	cfg, err := client.LoadConfig(cfgPath)
	if err != nil {
		return err
	}

	switch cmd.Name {
	case "config":
		cfg.ServerURL = cmd.Args[0]
		if err := cfg.Save(cfgPath); err != nil {
			return err
		}
		fmt.Printf("✓ Saved %s\n", cfgPath)
		return nil
	case "register", "login":
		return startSession(ctx, cfg, cmd)
	case "logout":
		if err := client.ClearToken(cfg.SessionFile); err != nil {
			return err
		}
		fmt.Println("✓ Logged out")
		return nil
	}

	token, err := client.LoadToken(cfg.SessionFile)
	if err != nil {
		return err
	}
	c := client.New(cfg.ServerURL, client.WithToken(token))

	switch cmd.Name {
	case "upload":
		return upload(ctx, c, cmd.Args)
	case "download":
		pwd, err := client.ReadPassword(os.Stdin, os.Stderr, "File password: ")
		if err != nil {
			return err
		}
		contents, err := c.Download(ctx, cmd.Args[0], pwd)
		if err != nil {
			return err
		}
		fmt.Print(contents)
		return nil
	case "ls":
		files, err := c.List(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSIZE\tUPDATED")
		for _, f := range files {
			fmt.Fprintf(w, "%s\t%d\t%s\n", f.Name, f.Size, f.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	case "rm":
		if err := c.Delete(ctx, cmd.Args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Deleted %s\n", cmd.Args[0])
		return nil
	}
	return nil
}

func startSession(ctx context.Context, cfg *client.Config, cmd *client.Command) error {
	pwd, err := client.ReadPassword(os.Stdin, os.Stderr, "Account password: ")
	if err != nil {
		return err
	}

	c := client.New(cfg.ServerURL)
	var s *client.Session
	if cmd.Name == "register" {
		s, err = c.Register(ctx, cmd.Args[0], pwd)
	} else {
		s, err = c.Login(ctx, cmd.Args[0], pwd)
	}
	if err != nil {
		return err
	}

	if err := client.SaveToken(cfg.SessionFile, s.Token); err != nil {
		return err
	}
	fmt.Printf("✓ Logged in as %s until %s\n", cmd.Args[0], s.ExpiresAt.Local().Format("15:04"))
	return nil
}

func upload(ctx context.Context, c *client.Client, args []string) error {
	parsed, err := client.ParseArgs(args)
	if err != nil {
		return err
	}
	files, err := client.UploadFiles(parsed)
	if err != nil {
		return err
	}

	pwd, err := client.ReadPassword(os.Stdin, os.Stderr, "File password: ")
	if err != nil {
		return err
	}

	for _, path := range files {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		name := filepath.Base(path)
		if err := c.Upload(ctx, name, contents, pwd); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Printf("✓ Uploaded %s (%d bytes)\n", name, len(contents))
	}
	return nil
}
