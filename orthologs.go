package scgo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// orthClient translates gene symbols between organisms through the
// g:Profiler g:Orth web service. One synchronous POST per query list,
// no retries; an optional blake2b-keyed response cache sidesteps the
// network on repeat runs.
type orthClient struct {
	BaseURL  string
	CacheDir string
	client   *http.Client
}

const defaultOrthURL = "https://biit.cs.ut.ee/gprofiler"

type orthRequest struct {
	Organism string   `json:"organism"`
	Target   string   `json:"target"`
	Query    []string `json:"query"`
}

type orthResponse struct {
	Result []struct {
		Incoming string `json:"incoming"`
		Name     string `json:"name"`
	} `json:"result"`
}

// Translate maps the given symbols from organism to target. Symbols
// with no ortholog are absent from the returned map.
func (c *orthClient) Translate(organism, target string, symbols []string) (map[string]string, error) {
	if c.BaseURL == "" {
		c.BaseURL = defaultOrthURL
	}
	if c.client == nil {
		c.client = http.DefaultClient
	}

	reqBody, err := json.Marshal(orthRequest{Organism: organism, Target: target, Query: symbols})
	if err != nil {
		return nil, err
	}

	var cachePath string
	if c.CacheDir != "" {
		key := make([]string, len(symbols))
		copy(key, symbols)
		sort.Strings(key)
		sum := blake2b.Sum256([]byte(organism + ">" + target + ":" + strings.Join(key, ",")))
		cachePath = filepath.Join(c.CacheDir, fmt.Sprintf("orth-%x", sum[:16]))
	}

	var body []byte
	if cachePath != "" {
		body, _ = os.ReadFile(cachePath)
	}
	if body == nil {
		resp, err := c.client.Post(c.BaseURL+"/api/orth/orth/", "application/json", bytes.NewReader(reqBody))
		if err != nil {
			return nil, fmt.Errorf("ortholog lookup: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("ortholog lookup: %s", resp.Status)
		}
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if cachePath != "" {
			if err := os.MkdirAll(c.CacheDir, 0777); err == nil {
				err = os.WriteFile(cachePath, body, 0666)
				if err != nil {
					log.Warnf("cannot cache ortholog response: %s", err)
				}
			}
		}
	}

	var parsed orthResponse
	err = json.Unmarshal(body, &parsed)
	if err != nil {
		return nil, fmt.Errorf("ortholog lookup: bad response: %w", err)
	}
	out := make(map[string]string, len(parsed.Result))
	for _, r := range parsed.Result {
		if r.Name == "" || r.Name == "N/A" || r.Name == "None" {
			continue
		}
		if _, dup := out[r.Incoming]; !dup {
			out[r.Incoming] = r.Name
		}
	}
	return out, nil
}
