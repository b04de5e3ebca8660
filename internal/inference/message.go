// Package inference talks to the vision-language model that proposes actions.
package inference

// Message is one chat message in OpenAI-compatible form.
type Message struct {
	Role    string    `json:"role"`
	Content []Content `json:"content"`
}

// Content is one part of a multimodal message.
type Content struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an image reference. The model server accepts bare base64
// PNG data in URL.
type ImageURL struct {
	URL string `json:"url"`
}

// UserMessage builds the single user turn sent for every step.
func UserMessage(prompt, imageBase64 string) Message {
	return Message{
		Role: "user",
		Content: []Content{
			{Type: "text", Text: prompt},
			{Type: "image_url", ImageURL: &ImageURL{URL: imageBase64}},
		},
	}
}
