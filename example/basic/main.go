package main

import (
	"context"
	"fmt"
	"log"

	"github.com/knowgraph/knowgraph"
	"github.com/knowgraph/knowgraph/helper"
	"github.com/knowgraph/knowgraph/model"
)

const sampleContent = `Marie Curie pioneered research on radioactivity and discovered the elements polonium and radium.

Her work builds on the discovery of uranium rays by Henri Becquerel.
Radioactivity research influenced the development of nuclear physics throughout the twentieth century.

Curie was the first person to win Nobel Prizes in two different sciences,
physics and chemistry, and remains the only person to have done so.`

func main() {
	// Start a test PostgreSQL container
	teardown, dbPort, err := helper.MustStartPostgresContainer()
	if err != nil {
		log.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer teardown(context.Background())

	dbConfig := &helper.DatabaseConfiguration{
		Host:     "localhost",
		Port:     dbPort,
		User:     "knowgraph",
		Password: "knowgraph",
		Name:     "knowgraph_test",
		SSLMode:  "disable",
	}

	// 384 matches the default all-MiniLM-L6-v2 embedder
	k, err := knowgraph.New(dbConfig, 384)
	if err != nil {
		log.Fatalf("Failed to create knowgraph: %v", err)
	}
	defer k.Close()

	// Default pipeline: sentence chunking, MiniLM embeddings, NER extraction
	if err := k.UseDefaultPipeline(); err != nil {
		log.Fatalf("Failed to set up pipeline: %v", err)
	}

	doc := &model.Document{
		Title:   "Marie Curie and Radioactivity",
		Source:  "basic_example",
		Content: sampleContent,
		Metadata: model.Metadata{
			"topic": "history of science",
		},
	}

	fmt.Println("Ingesting document...")
	run, err := k.Ingest(context.Background(), doc)
	if err != nil {
		log.Fatalf("Failed to ingest document: %v", err)
	}
	fmt.Printf("Document %s ingested, final stage: %s\n", doc.RID, run.Stage)

	queryText := "Who discovered radium?"
	fmt.Printf("\nQuerying: %s\n", queryText)

	config := model.DefaultQueryConfig()
	config.TopK = 3

	results, err := k.Retrieve(context.Background(), queryText, config)
	if err != nil {
		log.Fatalf("Failed to retrieve: %v", err)
	}

	fmt.Printf("\nFound %d results:\n", len(results))
	for i, result := range results {
		fmt.Printf("\n--- Result %d ---\n", i+1)
		fmt.Printf("Score: %.4f (similarity %.4f, graph %.4f)\n", result.Score, result.SimilarityScore, result.GraphScore)
		fmt.Printf("Provenance: %s\n", result.Provenance)
		fmt.Printf("Content: %s\n", result.Chunk.Content)
		if len(result.Path) > 0 {
			fmt.Printf("Hops: %d\n", result.HopDistance)
		}
	}

	fmt.Println("\nBasic example completed successfully!")
}
