package summarizer

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/hearth/internal/memory"
)

const (
	summarizeMessagesPrompt = `Summarize this conversation into a concise paragraph.
Focus on:
- Key points discussed
- Important information shared
- Main topics and themes

Keep the summary informative but brief. Reply with the summary only.`

	summarizeShortTermPrompt = `Condense these short-term memories into a single, cohesive mid-term memory.
Focus on:
- Patterns and connections between memories
- Recurring themes or topics
- Important details worth preserving

Create a concise but comprehensive summary. Reply with the summary only.`

	updateNarrativePrompt = `Create or update the unified long-term memory by integrating these mid-term memories.

If there is an existing long-term memory, weave the new information into it coherently.
If this is the first long-term memory, create a comprehensive narrative.

The long-term memory should be written in paragraph form, keep narrative consistency,
preserve the most important information and read like a coherent personal history.
Reply with the complete updated narrative only.`

	extractFactsPrompt = `You are a knowledge extraction engine. Extract durable facts about the user from the conversation.

Rules:
1. Extract only explicit facts, no speculation
2. Keep each fact concise and independent
3. category is a short lowercase word such as preference, demographic, relationship, health, work
4. subject names what the fact is about, e.g. "favorite drink", so a later fact about the same subject replaces it
5. confidence must be in [0.0, 1.0]

Return strict JSON object:
{"facts":[{"category":"...","subject":"...","text":"...","confidence":0.8}]}
Return {"facts":[]} when there is nothing worth keeping.`

	extractCorePrompt = `Extract CORE MEMORIES from the long-term memory: fundamental, defining experiences,
relationships, traits or beliefs.

For each core memory provide a concise one-sentence description and rate its importance from 1 to 10.
Existing core memories are listed so you do not repeat them; only restate one when its importance changed.
Extract only truly significant core memories, typically 1-3.

Return strict JSON array:
[{"description":"...","importance":7}]`
)

// Prompts holds the system prompt used for each summarizer task.
type Prompts struct {
	SummarizeMessages  string `yaml:"summarize_messages"`
	SummarizeShortTerm string `yaml:"summarize_short_term"`
	UpdateNarrative    string `yaml:"update_narrative"`
	ExtractFacts       string `yaml:"extract_facts"`
	ExtractCore        string `yaml:"extract_core"`
}

func DefaultPrompts() Prompts {
	return Prompts{
		SummarizeMessages:  summarizeMessagesPrompt,
		SummarizeShortTerm: summarizeShortTermPrompt,
		UpdateNarrative:    updateNarrativePrompt,
		ExtractFacts:       extractFactsPrompt,
		ExtractCore:        extractCorePrompt,
	}
}

// LoadPrompts reads prompt overrides from a YAML file. Keys left out of the
// file keep their default prompt. An empty path returns the defaults.
func LoadPrompts(path string) (Prompts, error) {
	p := DefaultPrompts()
	if strings.TrimSpace(path) == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read prompts: %w", err)
	}
	var override Prompts
	if err := yaml.Unmarshal(data, &override); err != nil {
		return p, fmt.Errorf("parse prompts %s: %w", path, err)
	}

	merge := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	merge(&p.SummarizeMessages, override.SummarizeMessages)
	merge(&p.SummarizeShortTerm, override.SummarizeShortTerm)
	merge(&p.UpdateNarrative, override.UpdateNarrative)
	merge(&p.ExtractFacts, override.ExtractFacts)
	merge(&p.ExtractCore, override.ExtractCore)
	return p, nil
}

func (p Prompts) system(task memory.Task) (string, error) {
	switch task {
	case memory.TaskSummarizeMessages:
		return p.SummarizeMessages, nil
	case memory.TaskSummarizeShortTerm:
		return p.SummarizeShortTerm, nil
	case memory.TaskUpdateNarrative:
		return p.UpdateNarrative, nil
	case memory.TaskExtractFacts:
		return p.ExtractFacts, nil
	case memory.TaskExtractCore:
		return p.ExtractCore, nil
	}
	return "", fmt.Errorf("unknown summarizer task %q", task)
}

// userMessage renders the request inputs the way each prompt expects them.
func userMessage(req memory.Request) string {
	var b strings.Builder
	switch req.Task {
	case memory.TaskSummarizeMessages:
		b.WriteString(strings.Join(req.Inputs, "\n"))
	case memory.TaskSummarizeShortTerm:
		writeNumbered(&b, req.Inputs)
	case memory.TaskUpdateNarrative:
		if prior := strings.TrimSpace(req.Prior); prior != "" {
			b.WriteString("Existing Long-Term Memory:\n")
			b.WriteString(prior)
			b.WriteString("\n\nNew Mid-Term Memories to Incorporate:\n")
		} else {
			b.WriteString("Mid-Term Memories to Incorporate into Long-Term Memory:\n")
		}
		writeNumbered(&b, req.Inputs)
	case memory.TaskExtractFacts:
		b.WriteString("Conversation:\n")
		b.WriteString(strings.Join(req.Inputs, "\n"))
	case memory.TaskExtractCore:
		b.WriteString("Long-Term Memory:\n")
		b.WriteString(strings.TrimSpace(req.Prior))
		b.WriteString("\n\nExisting Core Memories:\n")
		if len(req.Inputs) == 0 {
			b.WriteString("(none)")
		}
		for i, in := range req.Inputs {
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString("- ")
			b.WriteString(in)
		}
	default:
		b.WriteString(strings.Join(req.Inputs, "\n"))
	}
	return b.String()
}

func writeNumbered(b *strings.Builder, inputs []string) {
	for i, in := range inputs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(b, "Memory %d: %s", i+1, in)
	}
}
