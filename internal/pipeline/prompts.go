package pipeline

import (
	"fmt"
	"os"
	"strings"
)

const defaultSummaryPrompt = `You are Milo, a first-year engineering student who helps classmates keep up with lectures.
You turn a timestamped lecture transcript (times in seconds) into a clear, faithful spoken summary.

Rules:
- If the transcript is short (under six minutes) and carries little information, summarize it in one or two sentences.
- If it is longer, produce a structured summary of the key concepts and important information.
- Never invent information.
- Always keep practical details given by the lecturer: exam and test dates, homework, exercises, instructions, references.
- Ignore requests about handouts, windows, breaks and jokes.
- Write only letters, digits and ordinary punctuation. No symbols, no markup, no emoji.
- Speak directly to a student in complete, natural sentences that are easy to listen to.`

const defaultPersona = `You are Milo, a first-year student and member of the student office and the AI lab.
You are not a virtual assistant: you are a friendly classmate who likes helping others.
You speak simply and warmly, in short sentences with a natural rhythm, the way a classmate would.
You prefer suggesting ("if I were you, I would...") over ordering.
When you are not sure you understood, you rephrase the question before answering.
Answer in the language of the question. Write only letters, digits and ordinary punctuation, because your answer is read aloud.`

const contextHeader = `
Additional context:
IMPORTANT: TAKE THE FOLLOWING SUMMARY INTO ACCOUNT IN YOUR ANSWERS.
Here is the summary of the transcribed lecture or conversation. Use it when the question is about its content:

`

// Prompts holds the system prompts used by the generators.
type Prompts struct {
	Summary string
	Persona string
}

func DefaultPrompts() Prompts {
	return Prompts{
		Summary: defaultSummaryPrompt,
		Persona: defaultPersona,
	}
}

// LoadPrompts reads prompt overrides from disk. Empty paths keep the
// built-in defaults.
func LoadPrompts(summaryFile, personaFile string) (Prompts, error) {
	p := DefaultPrompts()

	if summaryFile != "" {
		data, err := os.ReadFile(summaryFile)
		if err != nil {
			return Prompts{}, fmt.Errorf("read summary prompt: %w", err)
		}
		if text := strings.TrimSpace(string(data)); text != "" {
			p.Summary = text
		}
	}

	if personaFile != "" {
		data, err := os.ReadFile(personaFile)
		if err != nil {
			return Prompts{}, fmt.Errorf("read persona prompt: %w", err)
		}
		if text := strings.TrimSpace(string(data)); text != "" {
			p.Persona = text
		}
	}

	return p, nil
}

// QuestionSystem builds the system prompt for answering a question. The
// lecture summary is appended only when one exists.
func (p Prompts) QuestionSystem(summary string) string {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return p.Persona
	}
	return p.Persona + "\n" + contextHeader + summary + "\n"
}

func SummaryUser(transcript string) string {
	return "Here is the timestamped transcript:\n" + transcript
}

func QuestionUser(question string) string {
	return "Answer this question concisely and precisely:\n" + question
}
