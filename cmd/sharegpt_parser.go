package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Conversation represents a single chat turn in the conversation.
type Conversation struct {
	From  string `json:"from"`
	Value []int  `json:"value"`
}

// DataEntry represents a single top-level object in a tokenized
// ShareGPT-style dataset.
type DataEntry struct {
	ID            string         `json:"id"`
	Conversations []Conversation `json:"conversations"`
}

// loadTokenizedPrompts extracts the human turn of the first human-gpt
// pair of every entry. Entries without such a pair are skipped.
func loadTokenizedPrompts(path string) ([][]int, error) {
	fileContent, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dataset %s: %w", path, err)
	}

	var rawData []DataEntry
	if err := json.Unmarshal(fileContent, &rawData); err != nil {
		return nil, fmt.Errorf("parsing dataset %s: %w", path, err)
	}

	var prompts [][]int
	for _, entry := range rawData {
		for i := 0; i < len(entry.Conversations)-1; i++ {
			if entry.Conversations[i].From == "human" && entry.Conversations[i+1].From == "gpt" {
				if len(entry.Conversations[i].Value) > 0 {
					prompts = append(prompts, entry.Conversations[i].Value)
				}
				break
			}
		}
	}

	logrus.Infof("Parsed dataset %s: %d prompts from %d entries", path, len(prompts), len(rawData))
	return prompts, nil
}
