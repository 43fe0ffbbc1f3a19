package catalog

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// Job ids of the legal-analysis catalog.
const (
	JobDefesa   = "defesa"
	JobAcusacao = "acusacao"
	JobPesquisa = "pesquisa"
	JobDecisoes = "decisoes"
	JobWeb      = "web"
	JobRelator  = "relator"
)

// DefaultJobs is the request used when a client names no jobs.
func DefaultJobs() []string {
	return []string{JobDefesa, JobAcusacao, JobPesquisa, JobDecisoes}
}

const extractionFilters = `
Analise APENAS o que está escrito no documento do processo.
Ignore cabeçalhos, rodapés, numeração de páginas, movimentos processuais,
assinaturas de sistema, carimbos e dados meramente cadastrais.
Seja o mais detalhado possível e transcreva trechos relevantes.
Responda em JSON.`

const relatorTemplate = `Consolide as seguintes informações de análise de processo criminal em um relatório neutro e exaustivo:
{{range .}}
{{.Title}}:
{{if not .Requested}}Não disponível.{{else if .Succeeded}}{{.Text}}{{else}}Falha na análise: {{.Text}}{{end}}
{{end}}
IMPORTANTE: Apenas consolide e organize as informações. NÃO faça juízo de valor.`

var relatorQuery = template.Must(template.New("relator").Parse(relatorTemplate))

// Legal returns the catalog used for criminal-case analysis: five independent
// extraction jobs and one neutral consolidating report.
func Legal() *Catalog {
	c, err := New(
		documentJob(JobDefesa, "ANÁLISE DA DEFESA",
			"Você é um pesquisador especializado em extrair elementos defensivos de processos criminais."+extractionFilters,
			"Extraia todas as informações sobre: resposta à acusação, alegações finais da defesa, "+
				"depoimentos de testemunhas de defesa, teses defensivas, contradições nos autos, "+
				"vícios processuais e o advogado responsável."),
		documentJob(JobAcusacao, "ANÁLISE DA ACUSAÇÃO",
			"Você é um pesquisador especializado em extrair elementos acusatórios de processos criminais."+extractionFilters,
			"Extraia todas as informações sobre: denúncia, alegações finais do MP, testemunhas de acusação, "+
				"laudos periciais, provas materiais, tipificação penal, materialidade, autoria e pedidos do MP."),
		documentJob(JobPesquisa, "PESQUISA JURÍDICA",
			"Você é um pesquisador especializado em extrair citações jurídicas de processos criminais."+extractionFilters,
			"Extraia todas as citações de: legislação, artigos do CP e CPP, jurisprudência (STF, STJ, TJ), "+
				"súmulas, doutrina e precedentes mencionados pelas partes e pelo juízo."),
		documentJob(JobDecisoes, "ANÁLISE DAS DECISÕES",
			"Você é um especialista em análise de decisões judiciais e sentenças em processos criminais."+extractionFilters,
			"Extraia todas as informações sobre: sentenças, decisões sobre prisão e liberdade, despachos relevantes, "+
				"dosimetria da pena, regime de cumprimento, fundamentação e medidas cautelares."),
		JobSpec{
			ID:    JobWeb,
			Title: "PESQUISA WEB COMPLEMENTAR",
			Kind:  Independent,
			Instructions: "Você é um pesquisador jurídico especializado em pesquisa complementar. " +
				"Foque em jurisprudência e doutrina recentes e sempre inclua as fontes consultadas.",
			UsesDocument: false,
			BuildQuery: func(document string, _ []Prior) (string, error) {
				return "Identifique o principal crime e artigo do CP mencionado no trecho abaixo e reúna " +
					"jurisprudência recente dos tribunais superiores, doutrina atual e mudanças legislativas " +
					"sobre o tema, com links das fontes.\n\n" + excerpt(document, 4000), nil
			},
		},
		JobSpec{
			ID:    JobRelator,
			Title: "RELATÓRIO CONSOLIDADO",
			Kind:  Consolidator,
			Instructions: "Você é um relator estritamente neutro. Consolide, organize, liste e cronologize " +
				"as informações dos outros agentes sem emitir opiniões, avaliar provas ou sugerir decisões.",
			UsesDocument: false,
			BuildQuery:   buildRelatorQuery,
		},
	)
	if err != nil {
		panic(fmt.Sprintf("legal catalog: %v", err))
	}
	return c
}

func documentJob(id, title, instructions, query string) JobSpec {
	return JobSpec{
		ID:           id,
		Title:        title,
		Kind:         Independent,
		Instructions: instructions,
		UsesDocument: true,
		BuildQuery: func(string, []Prior) (string, error) {
			return "Analise minuciosamente o processo criminal fornecido como contexto. " + query, nil
		},
	}
}

func buildRelatorQuery(_ string, priors []Prior) (string, error) {
	var buf bytes.Buffer
	if err := relatorQuery.Execute(&buf, priors); err != nil {
		return "", fmt.Errorf("rendering consolidation query: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// excerpt returns at most n bytes of s, cut at a rune boundary.
func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
