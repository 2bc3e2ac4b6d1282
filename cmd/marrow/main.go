package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/marrowdb/marrow"
	"github.com/marrowdb/marrow/internal/pkg/logging"
)

const cliName string = "marrow"

func printPrompt() {
	fmt.Print(cliName, "> ")
}

type metaCommand int

const (
	Unknown metaCommand = iota + 1
	Help
	Exit
	ListCollections
	Checkpoint
)

func isMetaCommand(inputBuffer string) bool {
	return len(inputBuffer) > 0 && inputBuffer[:1] == "."
}

func doMetaCommand(inputBuffer string) metaCommand {
	switch strings.TrimPrefix(inputBuffer, ".") {
	case "help":
		return Help
	case "exit":
		return Exit
	case "collections":
		return ListCollections
	case "checkpoint":
		return Checkpoint
	default:
		return Unknown
	}
}

func printHelp() {
	fmt.Println(`commands:
  insert <collection> field=value ...   insert a document (numbers parsed as int64/double)
  get <collection> <id>                 fetch a document by integer _id
  find <collection>                     list every document
  count <collection>                    count documents
  delete <collection> <id>              delete by integer _id
meta:
  .collections  .checkpoint  .help  .exit`)
}

const defaultDbFileName = "marrow.db"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logConf := logging.DefaultConfig()
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	l, err := logging.ParseLevel(level)
	if err != nil {
		panic(err)
	}
	logConf.Level = zap.NewAtomicLevelAt(l)
	if _, err := logConf.Build(); err != nil {
		panic(err)
	}

	dbFileName := defaultDbFileName
	if len(os.Args) > 1 {
		dbFileName = os.Args[1]
	}

	db, err := marrow.Open(dbFileName + "?log_level=" + level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
		db.Close(context.Background())
		os.Exit(0)
	}()

	reader := bufio.NewScanner(os.Stdin)
	printPrompt()
	for reader.Scan() {
		input := strings.TrimSpace(reader.Text())
		switch {
		case input == "":
		case isMetaCommand(input):
			switch doMetaCommand(input) {
			case Help:
				printHelp()
			case Exit:
				return
			case ListCollections:
				for _, name := range db.CollectionNames() {
					fmt.Println(name)
				}
			case Checkpoint:
				n, err := db.Checkpoint(ctx)
				if err != nil {
					fmt.Println("error:", err)
				} else {
					fmt.Printf("%d pages flushed\n", n)
				}
			default:
				fmt.Printf("unknown meta command %q\n", input)
			}
		default:
			if err := execute(ctx, db, input); err != nil {
				fmt.Println("error:", err)
			}
		}
		printPrompt()
	}
}

func execute(ctx context.Context, db *marrow.DB, input string) error {
	fields := strings.Fields(input)
	if len(fields) < 2 {
		return fmt.Errorf("usage: <command> <collection> ... (try .help)")
	}
	cmd, colName := fields[0], fields[1]

	switch cmd {
	case "insert":
		doc := marrow.NewDocument()
		for _, pair := range fields[2:] {
			name, raw, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("expected field=value, got %q", pair)
			}
			doc.Set(name, parseValue(raw))
		}
		return db.Update(ctx, func(tx *marrow.Tx) error {
			col, err := tx.Collection(colName, true)
			if err != nil {
				return err
			}
			id, err := col.Insert(doc, marrow.AutoIDInt64)
			if err != nil {
				return err
			}
			fmt.Println("inserted _id =", id.String())
			return nil
		})
	case "get", "delete":
		if len(fields) != 3 {
			return fmt.Errorf("usage: %s <collection> <id>", cmd)
		}
		id, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", fields[2])
		}
		if cmd == "get" {
			return db.View(ctx, func(tx *marrow.Tx) error {
				col, err := tx.Collection(colName, false)
				if err != nil {
					return err
				}
				doc, err := col.FindByID(marrow.Int64(id))
				if err != nil {
					return err
				}
				printDocument(doc)
				return nil
			})
		}
		return db.Update(ctx, func(tx *marrow.Tx) error {
			col, err := tx.Collection(colName, false)
			if err != nil {
				return err
			}
			deleted, err := col.Delete(marrow.Int64(id))
			if err != nil {
				return err
			}
			fmt.Println("deleted:", deleted)
			return nil
		})
	case "find":
		return db.View(ctx, func(tx *marrow.Tx) error {
			col, err := tx.Collection(colName, false)
			if err != nil {
				return err
			}
			cur, err := col.Find(nil, 0, 0)
			if err != nil {
				return err
			}
			for {
				doc, err := cur.Next()
				if err != nil {
					return err
				}
				if doc == nil {
					return nil
				}
				printDocument(doc)
			}
		})
	case "count":
		return db.View(ctx, func(tx *marrow.Tx) error {
			col, err := tx.Collection(colName, false)
			if err != nil {
				return err
			}
			n, err := col.Count()
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		})
	default:
		return fmt.Errorf("unknown command %q (try .help)", cmd)
	}
}

func parseValue(raw string) marrow.BsonValue {
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return marrow.Int64(i)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return marrow.Double(f)
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return marrow.Boolean(b)
	}
	return marrow.String(raw)
}

func printDocument(doc *marrow.Document) {
	parts := make([]string, 0, len(doc.Fields))
	for _, f := range doc.Fields {
		parts = append(parts, fmt.Sprintf("%s=%s", f.Name, f.Value.String()))
	}
	fmt.Println("{" + strings.Join(parts, ", ") + "}")
}
