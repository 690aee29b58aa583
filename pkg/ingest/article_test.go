package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const articleHTML = `<!DOCTYPE html>
<html><head><title>猫の一日</title></head>
<body>
<nav><a href="/">Home</a></nav>
<article>
<h1>猫の一日</h1>
<p>朝、<ruby>猫<rt>ねこ</rt></ruby>は窓のそばで日向ぼっこをします。昼になると台所に行ってご飯を食べます。</p>
<p>午後はソファの上でゆっくり眠ります。夜になると家の中を静かに歩き回り、家族が寝るのを見守ります。</p>
<p>猫の一日はとても穏やかで、見ている人の心も落ち着かせてくれます。毎日同じように過ごすことが猫にとって大切なのです。</p>
</article>
</body></html>`

func TestFetchArticle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(articleHTML))
	}))
	defer srv.Close()

	article, err := FetchArticle(context.Background(), nil, srv.URL)
	require.NoError(t, err)
	assert.Contains(t, article.Text, "日向ぼっこ")
	assert.NotContains(t, article.Text, "ねこ", "ruby text is stripped")
}

func TestFetchArticleRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := FetchArticle(context.Background(), nil, srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}

func TestFetchArticleRejectsOversizedBody(t *testing.T) {
	big := strings.Repeat("a", MaxBodySize+10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No Content-Length: the body is streamed.
		w.Header().Set("Transfer-Encoding", "chunked")
		w.Write([]byte(big))
	}))
	defer srv.Close()

	_, err := FetchArticle(context.Background(), nil, srv.URL)
	require.Error(t, err)
}
