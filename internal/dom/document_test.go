package dom

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"golang.org/x/net/html"
)

func makePara(text string) *html.Node {
	p := &html.Node{Type: html.ElementNode, Data: "p"}
	p.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	return p
}

// TestUnsubscribeDuringBroadcast tests that tearing down a subscription while
// mutations are being announced never sends on a dead channel
func TestUnsubscribeDuringBroadcast(t *testing.T) {
	doc := parse(t, "<html><body></body></html>")
	body := doc.Body()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				doc.AppendChild(body, makePara("concurrent content"))
			}
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ch := doc.Subscribe()
				select {
				case <-ch:
				default:
				}
				doc.Unsubscribe(ch)
			}
		}()
	}
	wg.Wait()
}

// TestConcurrentReadersAndWriters tests that traversals can overlap edits
func TestConcurrentReadersAndWriters(t *testing.T) {
	doc := parse(t, "<html><body><p>seed paragraph one</p><p>seed paragraph two</p></body></html>")
	body := doc.Body()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			doc.AppendChild(body, makePara(fmt.Sprintf("added paragraph %d", i)))
		}
	}()

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				w := doc.Walk(body, nil, Budget{MinTextLength: 1, MaxNodesPerPass: 10})
				for {
					n, ok := w.Next()
					if !ok {
						break
					}
					doc.Attached(n)
					doc.NodeText(n)
				}
				doc.VisibleText()
				if _, err := doc.RenderString(); err != nil {
					t.Errorf("Render failed mid-mutation: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	text := doc.VisibleText()
	for _, want := range []string{"seed paragraph one", "added paragraph 0", "added paragraph 199"} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected %q in the final document", want)
		}
	}
}
