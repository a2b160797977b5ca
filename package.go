// Wanloop is a deployment shim for running a fixed WAN 2.1 image-to-video
// workflow on a ComfyUI inference server. It binds per-job parameters into a
// workflow graph template, submits the graph over ComfyUI's HTTP and WebSocket
// API, tracks execution through to a terminal state, and hands back the
// rendered seamless-loop video.
package wanloop
