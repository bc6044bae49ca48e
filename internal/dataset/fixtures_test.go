package dataset

import (
	"fmt"
	"strings"
)

func lines(ls ...string) []byte {
	return []byte(strings.Join(ls, "\n") + "\n")
}

// chatMLFixture returns n ChatML records, each with a system, user and
// assistant turn.
func chatMLFixture(n int) []byte {
	var ls []string
	for i := 0; i < n; i++ {
		ls = append(ls, fmt.Sprintf(
			`{"messages":[{"role":"system","content":"You are a tutor."},{"role":"user","content":"What is %d + %d?"},{"role":"assistant","content":"%d"}]}`,
			i, i, i+i))
	}
	return lines(ls...)
}

var formatFixtures = map[Format][]byte{
	FormatChatML: chatMLFixture(3),

	FormatShareGPT: lines(
		`{"conversations":[{"from":"human","value":"Name a colour."},{"from":"gpt","value":"Blue."}]}`,
		`{"conversations":[{"from":"system","value":"Be brief."},{"from":"human","value":"Name a fruit."},{"from":"gpt","value":"Apple."}]}`,
	),
	FormatDPO: lines(
		`{"prompt":"Say hi","chosen":"Hello there!","rejected":"go away"}`,
		`{"prompt":"Say bye","chosen":"Goodbye, take care.","rejected":"whatever"}`,
	),
	FormatRLHF: lines(
		`{"prompt":"Summarize: cats sleep a lot.","chosen_response":"Cats sleep often.","rejected_response":"Dogs bark."}`,
		`{"prompt":"Summarize: rain is wet.","chosen_response":"Rain is wet.","rejected_response":"Sun."}`,
	),
	FormatJSONL: lines(
		`{"prompt":"Translate 'cat' to French","completion":"chat"}`,
		`{"prompt":"Translate 'dog' to French","completion":"chien"}`,
	),

	FormatRawText: []byte("The first document talks about rivers.\nIt has two lines.\n\nThe second document is about mountains.\n"),
}
