package loader

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// extractDocxText walks the WordprocessingML stream and concatenates the
// paragraph texts in document order, one paragraph per line. Only <w:t> runs
// contribute text; all formatting markup is ignored.
func extractDocxText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)

	var sb strings.Builder
	var para strings.Builder
	inText := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parsing document.xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if sb.Len() > 0 {
					sb.WriteByte('\n')
				}
				sb.WriteString(para.String())
				para.Reset()
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		}
	}

	// Trailing text outside a closed paragraph (malformed but tolerable).
	if para.Len() > 0 {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(para.String())
	}

	return sb.String(), nil
}
