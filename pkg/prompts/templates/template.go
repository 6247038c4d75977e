package prompts

import (
	"strings"

	"github.com/tmc/langchaingo/prompts"
)

// NewClassificationPrompt builds the first-round prompt that labels a
// numbered batch of comments for a keyword. The model is instructed to
// answer with a strict JSON array so the caller can parse mechanically.
func NewClassificationPrompt(labels []string) prompts.PromptTemplate {
	var b strings.Builder

	b.WriteString("You label social media comments collected for the keyword \"{keyword}\".\n")
	b.WriteString("Each comment was left by a different user under a video about that keyword.\n\n")
	b.WriteString("Assign every comment exactly one of these labels:\n")
	for _, label := range labels {
		b.WriteString("- " + label + "\n")
	}
	b.WriteString("\nComments, one per line, numbered from 1:\n{comments}\n\n")
	b.WriteString("Respond with ONLY a JSON array, no prose before or after. ")
	b.WriteString("Each element is an object with three fields: ")
	b.WriteString("\"index\" (the comment number), \"label\" (one of the labels above), ")
	b.WriteString("and \"confidence\" (a number between 0 and 1). ")
	b.WriteString("The array must contain one element per comment.")

	return prompts.NewPromptTemplate(b.String(), []string{"keyword", "comments"})
}

// NewOutreachPrompt builds the second-round prompt that drafts a short
// direct message for one promising commenter.
func NewOutreachPrompt() prompts.PromptTemplate {
	var b strings.Builder

	b.WriteString("A user commented the following under a video about \"{keyword}\":\n\n")
	b.WriteString("{comment}\n\n")
	b.WriteString("Write a short, friendly direct message to this user that opens a ")
	b.WriteString("conversation about their interest in {keyword}. ")
	b.WriteString("Two sentences at most, no hashtags, no emoji, do not mention that ")
	b.WriteString("their comment was collected or analyzed. ")
	b.WriteString("Respond with only the message text.")

	return prompts.NewPromptTemplate(b.String(), []string{"keyword", "comment"})
}
