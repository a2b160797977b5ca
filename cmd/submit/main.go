// Command submit sends one image to a running worker and saves the looped
// video it comes back with. It is the manual counterpart to the serverless
// intake: handy for smoke-testing a deployment or generating one-offs.
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/schollz/progressbar/v3"
)

type runResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type statusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output *struct {
		Video string `json:"video"`
		Seed  int64  `json:"seed"`
	} `json:"output"`
	Error    string `json:"error"`
	Progress *struct {
		Value int `json:"value"`
		Max   int `json:"max"`
	} `json:"progress"`
	ExecutionMS int64 `json:"execution_ms"`
}

func main() {
	endpoint := flag.String("endpoint", "http://127.0.0.1:8000", "worker intake address")
	imagePath := flag.String("image", "", "input image file (required)")
	prompt := flag.String("prompt", "", "motion prompt (required)")
	frames := flag.Int("frames", 0, "frame count, 0 for the server default")
	fps := flag.Int("fps", 0, "playback fps, 0 for the server default")
	seed := flag.Int64("seed", -1, "noise seed, negative for a random draw")
	timeout := flag.Int("timeout", 0, "job timeout in seconds, 0 for the server default")
	output := flag.String("output", "", "output file, default output_seed_<seed>.webp")
	flag.Parse()

	if *imagePath == "" || *prompt == "" {
		flag.Usage()
		os.Exit(2)
	}

	imgData, err := os.ReadFile(*imagePath)
	if err != nil {
		log.Println("Failed to read image:", err)
		os.Exit(1)
	}

	input := map[string]interface{}{
		"image":  base64.StdEncoding.EncodeToString(imgData),
		"prompt": *prompt,
	}
	if *frames > 0 {
		input["frame_count"] = *frames
	}
	if *fps > 0 {
		input["fps"] = *fps
	}
	if *seed >= 0 {
		input["seed"] = *seed
	}
	if *timeout > 0 {
		input["timeout_seconds"] = *timeout
	}

	job, err := submit(*endpoint, input)
	if err != nil {
		log.Println("Failed to submit job:", err)
		os.Exit(1)
	}
	log.Printf("Job %s accepted\n", job.ID)

	// Ctrl-C withdraws the job instead of orphaning it on the server
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		log.Println("Cancelling job...")
		resp, err := http.Post(*endpoint+"/cancel/"+job.ID, "application/json", nil)
		if err != nil {
			log.Println("Failed to cancel:", err)
			os.Exit(1)
		}
		resp.Body.Close()
	}()

	var bar *progressbar.ProgressBar
	barMax := 0
	for {
		status, err := getStatus(*endpoint, job.ID)
		if err != nil {
			log.Println("Failed to poll status:", err)
			os.Exit(1)
		}

		if status.Progress != nil && status.Progress.Max > 0 {
			if bar == nil || status.Progress.Max != barMax {
				barMax = status.Progress.Max
				bar = progressbar.Default(int64(barMax), "sampling")
			}
			bar.Set(status.Progress.Value)
		}

		switch status.Status {
		case "COMPLETED":
			if bar != nil {
				bar.Finish()
			}
			save(status, *output)
			return
		case "FAILED", "TIMED_OUT", "CANCELLED":
			log.Printf("Job ended %s: %s\n", status.Status, status.Error)
			os.Exit(1)
		}

		time.Sleep(time.Second)
	}
}

func submit(endpoint string, input map[string]interface{}) (*runResponse, error) {
	body, err := json.Marshal(map[string]interface{}{"input": input})
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(endpoint+"/run", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("worker refused job: %s", msg)
	}
	var job runResponse
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

func getStatus(endpoint, id string) (*statusResponse, error) {
	resp, err := http.Get(endpoint + "/status/" + id)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

func save(status *statusResponse, path string) {
	if status.Output == nil {
		log.Println("Job completed without output")
		os.Exit(1)
	}
	video, err := base64.StdEncoding.DecodeString(status.Output.Video)
	if err != nil {
		log.Println("Failed to decode video:", err)
		os.Exit(1)
	}
	if path == "" {
		path = fmt.Sprintf("output_seed_%d.webp", status.Output.Seed)
	}
	if err := os.WriteFile(path, video, 0o644); err != nil {
		log.Println("Failed to write video:", err)
		os.Exit(1)
	}
	log.Printf("Saved %s (seed %d, %d bytes, rendered in %dms)\n",
		path, status.Output.Seed, len(video), status.ExecutionMS)
}
