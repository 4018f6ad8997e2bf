package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

const defaultAIBase = "https://generativelanguage.googleapis.com/v1beta"

// instructionTemplate is the fixed extraction instruction sent with every
// poster image. The model must answer with a single JSON object.
const instructionTemplate = `# AI Prompt for Event Poster Data Extraction

## Task
Extract all event information from this poster image and return it as structured JSON data.

## Instructions
Analyze the poster carefully and extract ALL available event information. If certain fields are not visible or clear, mark them as null rather than guessing.

## Required Output Format
Return ONLY a valid JSON object (no markdown, no explanation) in this exact structure:

{
  "events": [
    {
      "title": "Event name as shown on poster",
      "description": "Full description or tagline from poster",
      "startDate": "YYYY-MM-DD",
      "startTime": "HH:MM (24-hour format)",
      "endDate": "YYYY-MM-DD (if different from start)",
      "endTime": "HH:MM (if specified)",
      "timezone": "America/Vancouver (or appropriate timezone)",
      "venue": {
        "name": "Venue name",
        "address": "Full street address if shown",
        "city": "City name",
        "region": "Province/State",
        "country": "Country"
      },
      "organizer": "Organization or person hosting",
      "category": "Concert/Workshop/Festival/Sports/Theatre/Community/etc",
      "price": "Price information as shown (e.g., '$20', 'Free', '$15-25')",
      "tags": ["tag1", "tag2"],
      "registrationUrl": "URL if shown",
      "contactInfo": {
        "phone": "Phone number if shown",
        "email": "Email if shown",
        "website": "Website if shown"
      },
      "additionalInfo": "Any other relevant details from poster"
    }
  ],
  "extractionConfidence": {
    "overall": 0.95,
    "notes": "Any issues or uncertainties in extraction"
  }
}

## Field Guidelines

### Dates and Times
- Extract dates in YYYY-MM-DD format
- Use 24-hour time format (HH:MM)
- If only month/day shown, assume current or next year based on context
- If time shows "7 PM" convert to "19:00"
- If date shows "Every Tuesday", note in additionalInfo and use next occurrence

### Venue Information
- Extract complete venue name
- Include full address if visible
- Default to city shown on poster or organization location

### Price
- Keep original format shown on poster
- "Free" for no-cost events
- Include all pricing tiers if shown

### Missing Information
- Set field to null if not present
- Don't invent or guess information
- Note any ambiguities in extractionConfidence.notes

### Using Provided Context
- Additional context may include the post publication timestamp.
- Prefer event years that are the same as or after that publication date unless the poster explicitly shows an earlier year.
- When the poster omits the year, use the publication year if the month/day are on or after the post date; otherwise assume the following year.
- If the poster clearly states a year, use that value even if it conflicts with the guidance above.

Remember: Output ONLY the JSON object, no additional text or formatting.`

// Client calls a generateContent-style vision endpoint over plain HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu     sync.RWMutex
	apiKey string
	model  string
}

// NewClient builds the extraction client. model defaults to a current
// flash-tier model when empty.
func NewClient(baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = defaultAIBase
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 120 * time.Second},
		model:      model,
	}
}

// SetKey swaps the API key at runtime (settings edits take effect without a
// restart).
func (c *Client) SetKey(key string) {
	c.mu.Lock()
	c.apiKey = strings.TrimSpace(key)
	c.mu.Unlock()
}

// Ready reports whether an API key is configured.
func (c *Client) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey != ""
}

type generatePart struct {
	Text       string `json:"text,omitempty"`
	InlineData *struct {
		MimeType string `json:"mime_type"`
		Data     string `json:"data"`
	} `json:"inline_data,omitempty"`
}

type generateRequest struct {
	Contents []struct {
		Parts []generatePart `json:"parts"`
	} `json:"contents"`
}

// ExtractEventJSON sends the poster image plus the fixed instructions (and
// caption/timestamp context when present) and returns the parsed JSON payload.
func (c *Client) ExtractEventJSON(ctx context.Context, image []byte, mimeType, caption string, postedAt time.Time) (json.RawMessage, error) {
	c.mu.RLock()
	key := c.apiKey
	model := c.model
	c.mu.RUnlock()
	if key == "" {
		return nil, ErrUnavailable
	}

	parts := []generatePart{
		{InlineData: &struct {
			MimeType string `json:"mime_type"`
			Data     string `json:"data"`
		}{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(image)}},
		{Text: instructionTemplate},
	}
	if ctxText := contextText(caption, postedAt); ctxText != "" {
		parts = append(parts, generatePart{Text: ctxText})
	}

	var reqBody generateRequest
	reqBody.Contents = append(reqBody.Contents, struct {
		Parts []generatePart `json:"parts"`
	}{Parts: parts})
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, model, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: api status %d", ErrFailed, resp.StatusCode)
	}

	text, err := parseResponseText(resp)
	if err != nil {
		return nil, err
	}
	return parseJSONPayload(text)
}

func contextText(caption string, postedAt time.Time) string {
	var sections []string
	if !postedAt.IsZero() {
		sections = append(sections, fmt.Sprintf(
			"Post publication details:\n- Published on %s.\n- Treat events as upcoming relative to this date unless the poster clearly indicates an earlier year.",
			postedAt.Truncate(time.Second).Format(time.RFC3339)))
	}
	if caption != "" {
		sections = append(sections, "Post caption (additional context):\n"+caption)
	}
	if len(sections) == 0 {
		return ""
	}
	return "Additional context:\n" + strings.Join(sections, "\n\n")
}

// parseResponseText joins the text parts of the first candidate. The API
// shape is decoded loosely so missing fields degrade to an empty string.
func parseResponseText(resp *http.Response) (string, error) {
	var raw struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrFailed, err)
	}
	for _, cand := range raw.Candidates {
		var texts []string
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				texts = append(texts, part.Text)
			}
		}
		if joined := strings.TrimSpace(strings.Join(texts, "\n")); joined != "" {
			return joined, nil
		}
	}
	return "", fmt.Errorf("%w: response did not include text output", ErrFailed)
}

// parseJSONPayload strips markdown code fences, then parses. When the
// surrounding prose breaks a direct parse it falls back to the first
// top-level brace span.
func parseJSONPayload(text string) (json.RawMessage, error) {
	cleaned := text
	for _, fence := range []string{"```json", "```JSON", "```"} {
		cleaned = strings.ReplaceAll(cleaned, fence, "")
	}
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return nil, fmt.Errorf("%w: response did not include any JSON content", ErrFailed)
	}
	var probe map[string]any
	if err := json.Unmarshal([]byte(cleaned), &probe); err == nil {
		return json.RawMessage(cleaned), nil
	}
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start >= 0 && end > start {
		span := cleaned[start : end+1]
		if err := json.Unmarshal([]byte(span), &probe); err == nil {
			return json.RawMessage(span), nil
		}
	}
	return nil, fmt.Errorf("%w: could not parse response as JSON", ErrFailed)
}

// overallConfidence pulls extractionConfidence.overall out of a payload when
// present and numeric.
func overallConfidence(payload json.RawMessage) *float64 {
	var probe struct {
		ExtractionConfidence struct {
			Overall *float64 `json:"overall"`
		} `json:"extractionConfidence"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil
	}
	return probe.ExtractionConfidence.Overall
}
