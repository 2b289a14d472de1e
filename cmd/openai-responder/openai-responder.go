package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// chunkTemplate is the base SSE chunk; per-chunk fields are patched in
// with sjson.
var chunkTemplate = []byte(`{"id":"chatcmpl-000","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{"content":""},"finish_reason":null}]}`)

func buildChunk(model, content string) []byte {
	out, _ := sjson.SetBytes(chunkTemplate, "created", time.Now().Unix())
	out, _ = sjson.SetBytes(out, "model", model)
	out, _ = sjson.SetBytes(out, "choices.0.delta.content", content)
	return out
}

func buildFinalChunk(model string, promptTokens, completionTokens int) []byte {
	out, _ := sjson.SetBytes(chunkTemplate, "created", time.Now().Unix())
	out, _ = sjson.SetBytes(out, "model", model)
	out, _ = sjson.DeleteBytes(out, "choices.0.delta.content")
	out, _ = sjson.SetBytes(out, "choices.0.finish_reason", "stop")
	out, _ = sjson.SetBytes(out, "usage.prompt_tokens", promptTokens)
	out, _ = sjson.SetBytes(out, "usage.completion_tokens", completionTokens)
	out, _ = sjson.SetBytes(out, "usage.total_tokens", promptTokens+completionTokens)
	return out
}

func main() {
	gin.SetMode(gin.TestMode)
	port := flag.String("port", "8080", "port to listen on")
	expectedModel := flag.String("model", "gpt-3.5-turbo", "model name to expect")
	responseMessage := flag.String("respond", "hi", "message to respond with")
	silent := flag.Bool("silent", false, "disable all logging")

	flag.Parse()

	r := gin.New()

	r.GET("/v1/models", func(c *gin.Context) {
		now := time.Now().Unix()
		c.JSON(http.StatusOK, gin.H{
			"object": "list",
			"data": []gin.H{
				{"id": *expectedModel, "object": "model", "created": now, "owned_by": "openai"},
				{"id": "gpt-4", "object": "model", "created": now, "owned_by": "openai"},
				{"id": "text-embedding-3-small", "object": "model", "created": now, "owned_by": "openai"},
			},
		})
	})

	r.POST("/v1/chat/completions", func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "Missing API key", "type": "invalid_request_error"},
			})
			return
		}

		bodyBytes, _ := io.ReadAll(c.Request.Body)
		model := gjson.GetBytes(bodyBytes, "model").String()
		if model != *expectedModel && model != "gpt-4" {
			c.JSON(http.StatusNotFound, gin.H{
				"error": gin.H{
					"message": fmt.Sprintf("The model '%s' does not exist", model),
					"type":    "invalid_request_error",
					"code":    "model_not_found",
				},
			})
			return
		}

		// add a wait to simulate a slow query
		if wait, err := time.ParseDuration(c.Query("wait")); err == nil {
			time.Sleep(wait)
		}

		if gjson.GetBytes(bodyBytes, "stream").Bool() {
			c.Header("Content-Type", "text/event-stream")
			c.Header("Cache-Control", "no-cache")
			c.Header("Connection", "keep-alive")

			words := strings.Split(*responseMessage, " ")
			for i, word := range words {
				if i > 0 {
					word = " " + word
				}
				fmt.Fprintf(c.Writer, "data: %s\n\n", buildChunk(model, word))
				c.Writer.Flush()
			}

			fmt.Fprintf(c.Writer, "data: %s\n\n", buildFinalChunk(model, 25, len(words)))
			c.Writer.Flush()

			fmt.Fprint(c.Writer, "data: [DONE]\n\n")
			c.Writer.Flush()
		} else {
			c.JSON(http.StatusOK, gin.H{
				"id":      "chatcmpl-000",
				"object":  "chat.completion",
				"created": time.Now().Unix(),
				"model":   model,
				"choices": []gin.H{
					{
						"index":         0,
						"message":       gin.H{"role": "assistant", "content": *responseMessage},
						"finish_reason": "stop",
					},
				},
				"usage": gin.H{"prompt_tokens": 25, "completion_tokens": 10, "total_tokens": 35},
			})
		}
	})

	r.POST("/v1/embeddings", func(c *gin.Context) {
		bodyBytes, _ := io.ReadAll(c.Request.Body)
		model := gjson.GetBytes(bodyBytes, "model").String()

		embedding := make([]float64, 16)
		for i := range embedding {
			embedding[i] = float64(i) * 0.1
		}
		c.JSON(http.StatusOK, gin.H{
			"object": "list",
			"data": []gin.H{
				{"object": "embedding", "index": 0, "embedding": embedding},
			},
			"model": model,
			"usage": gin.H{"prompt_tokens": 5, "total_tokens": 5},
		})
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	address := "127.0.0.1:" + *port

	srv := &http.Server{
		Addr:    address,
		Handler: r.Handler(),
	}

	// Disable logging if the --silent flag is set
	if *silent {
		gin.SetMode(gin.ReleaseMode)
		gin.DefaultWriter = io.Discard
		log.SetOutput(io.Discard)
	}

	go func() {
		log.Printf("openai-responder listening on %s\n", address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("openai-responder err: %s\n", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server with
	// a timeout of 5 seconds.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("openai-responder shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("openai-responder shutdown err: %s\n", err)
	}
}
