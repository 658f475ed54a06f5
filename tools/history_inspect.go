package main

import (
	"chat-relay/codec"
	"chat-relay/domain"
	"chat-relay/repositories"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/olekukonko/tablewriter"
)

// Dumps the durable history. Either one channel through the repository, or
// every stored message when -channel is empty.
func main() {
	dbPath := flag.String("db", "./data/history", "Path to badger DB")
	channel := flag.String("channel", "", "Channel to dump, all channels when empty")
	flag.Parse()

	// BypassLockGuard allows opening while the relay holds the lock
	db, err := badger.Open(badger.DefaultOptions(*dbPath).
		WithReadOnly(true).
		WithBypassLockGuard(true).
		WithLoggingLevel(badger.WARNING))
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	var messages []domain.Message
	if *channel != "" {
		messages, err = repositories.NewMessageRepository(db, slog.Default()).Messages(domain.Topic(*channel))
	} else {
		messages, err = scanAll(db)
	}
	if err != nil {
		log.Fatal("Error while reading history: ", err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Channel", "Timestamp", "ID", "Sender", "Text"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	for _, m := range messages {
		table.Append([]string{
			m.Topic.String(),
			m.At.Format(time.RFC3339Nano),
			m.ID.String()[:8],
			m.Sender,
			truncate(m.Text, 60),
		})
	}
	table.Render()
	fmt.Printf("\n%d message(s)\n", len(messages))
}

func scanAll(db *badger.DB) ([]domain.Message, error) {
	var messages []domain.Message
	err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("msg:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(v []byte) error {
				m, err := codec.DecodeMessage(v)
				if err != nil {
					// Keep going, one bad record should not hide the others
					fmt.Printf("Error decoding key %s: %v\n", string(item.Key()), err)
					return nil
				}
				messages = append(messages, m)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return messages, err
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= max {
		return s
	}
	return string([]rune(s)[:max-1]) + "…"
}
