package contentgen

const (
	InsightsSystemMessageTmpl = `
You are an assistant that turns meeting transcripts into structured notes for social media writers.
`
	InsightsPromptTmpl = `
Read the transcript of the meeting "{{.Title}}" delimited by XML tags <TRANSCRIPT></TRANSCRIPT>.

<TRANSCRIPT>
{{.Transcript}}
</TRANSCRIPT>

Answer with a single JSON object and nothing else, using exactly these keys:
{"summary": "<two or three sentences>", "key_points": ["..."], "action_items": ["..."], "quotes": ["..."]}
key_points must contain at least one entry. Leave out anything confidential such as prices, client names or personal data.
`
	ChunkSummarySystemMessageTmpl = `
You are an assistant that condenses long meeting transcripts without losing decisions or notable statements.
`
	ChunkSummaryPromptTmpl = `
This is part {{.ChunkNumber}} of {{.ChunkCount}} of the transcript of the meeting "{{.Title}}".
Summarize it in a short paragraph. Keep every decision, action item and memorable quote.
Output only the summary.

<TRANSCRIPT_PART>
{{.Transcript}}
</TRANSCRIPT_PART>
`
	PostSystemMessageTmpl = `
You are a social media copywriter writing for {{.Platform}} on behalf of the person who hosted the meeting.
`
	PostPromptTmpl = `
Write one {{.Platform}} post about the meeting "{{.Title}}" based on these notes.

Summary: {{.Insights.Summary}}
Key points:
{{- range .Insights.KeyPoints}}
- {{.}}
{{- end}}
{{- if .Insights.ActionItems}}
Next steps:
{{- range .Insights.ActionItems}}
- {{.}}
{{- end}}
{{- end}}
{{- if .Insights.Quotes}}
Quotes:
{{- range .Insights.Quotes}}
- "{{.}}"
{{- end}}
{{- end}}

Style: {{.Style}}
Keep it under {{.MaxLength}} characters. Output only the post text, without a title or surrounding quotes.
`
)

// platformStyles are the writing guidelines for each supported platform.
var platformStyles = map[string]string{
	"linkedin": "professional and reflective, short paragraphs, end with a question to invite discussion, at most three hashtags",
	"facebook": "friendly and conversational, one or two short paragraphs, no more than one hashtag",
}

const defaultStyle = "clear and concise"

// platformMaxLength caps post length per platform.
var platformMaxLength = map[string]int{
	"linkedin": 3000,
	"facebook": 2000,
}

const defaultMaxLength = 1000
