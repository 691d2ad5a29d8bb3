package agent

import "strings"

// Realtime-query classification. Messages that demand live web data get
// toolChoice="required" with the web tools injected so the model verifies
// before answering.

var temporalMarkers = []string{
	"today", "tonight", "right now", "latest", "current", "currently",
	"this week", "this morning", "breaking", "just now", "recently",
	"今天", "今日", "现在", "最新", "最近", "当前", "实时", "本周", "刚刚",
}

var liveTopics = []string{
	"news", "weather", "forecast", "stock", "stocks", "price", "prices",
	"exchange rate", "score", "headline", "headlines", "trending",
	"新闻", "天气", "股价", "股票", "汇率", "价格", "比分", "热搜", "行情",
}

var seekingHints = []string{
	"search", "look up", "find out", "check", "what is", "what's",
	"what are", "tell me", "how much", "who won",
	"搜索", "搜一下", "查一下", "查询", "查查", "帮我查", "帮我搜", "是多少", "怎么样",
}

// isRealtimeQuery flags messages whose answer depends on live external data.
// A temporal marker plus any info-seeking signal, or a live topic being
// actively looked up, is enough.
func isRealtimeQuery(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" || strings.HasPrefix(lower, "/") {
		return false
	}

	temporal := containsAny(lower, temporalMarkers)
	topic := containsAny(lower, liveTopics)
	seeking := containsAny(lower, seekingHints)

	if temporal && (topic || seeking) {
		return true
	}
	return topic && seeking
}

func containsAny(text string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}
