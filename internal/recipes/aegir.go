package recipes

import (
	"fmt"
	"strings"

	"github.com/3cpo-dev/frigg/internal/pipeline"
)

const (
	aegirUser     = "aegir"
	aegirRepo     = "http://debian.aegirproject.org"
	aegirKey      = "http://debian.aegirproject.org/key.asc"
	backports     = "squeeze-backports"
	backportsRepo = "http://backports.debian.org/debian-backports"
	aegirMakefile = "http://drupalcode.org/project/provision.git/blob_plain/6.x-1.x:/aegir.make"
	provisionGit  = "http://git.drupal.org/project/provision.git"
	provisionRef  = "6.x-1.x"
	buildsURL     = "https://github.com/mig5/builds/raw/master"
)

// Platforms built by the source recipe and the install profile of the
// test site created on each.
var testPlatforms = []struct{ Name, Profile string }{
	{"drupal5", "default"},
	{"drupal6", "default"},
	{"drupal7", "standard"},
	{"openatrium", "openatrium"},
}

func init() {
	register(Recipe{
		Name:        "aegir-apt",
		Description: "Aegir from the Debian packages, provision test suite, purge before destroy",
		Build:       AegirApt,
	})
	register(Recipe{
		Name:        "aegir-source",
		Description: "Aegir from a provision checkout with hostmaster-install, optional platform and site suites",
		Build:       AegirSource,
	})
}

func aegir(command string) pipeline.Command { return asUser(aegirUser, command) }

func firewallStep(p Params) pipeline.Step {
	var b strings.Builder
	if len(p.FirewallSources) == 0 {
		b.WriteString("iptables -I INPUT -p tcp --dport 22 -j ACCEPT; iptables -I INPUT -p tcp --dport 80 -j ACCEPT; ")
	} else {
		fmt.Fprintf(&b, "for source in %s; do iptables -I INPUT -s $source -p tcp --dport 22 -j ACCEPT; iptables -I INPUT -s $source -p tcp --dport 80 -j ACCEPT; done; ",
			strings.Join(p.FirewallSources, " "))
	}
	b.WriteString("iptables -I INPUT -i lo -j ACCEPT; iptables -A INPUT -m state --state ESTABLISHED,RELATED -j ACCEPT; iptables --policy INPUT DROP")
	return pipeline.NewStep("firewall", pipeline.Cmd(b.String()))
}

func sudoersCommand() pipeline.Command {
	return pipeline.Cmd("echo 'aegir ALL=NOPASSWD: /usr/sbin/apache2ctl' >> /etc/sudoers")
}

func dispatch() pipeline.Command { return aegir("drush @hostmaster hosting-dispatch") }

func debconf(question string) pipeline.Command {
	return pipeline.Cmd("echo " + shellQuote("aegir-hostmaster aegir/"+question) + " | debconf-set-selections")
}

// AegirApt installs Aegir from the project's apt repository for p.Dist and
// runs the provision test suite. The packages are purged before the node
// is destroyed.
func AegirApt(p Params) pipeline.Pipeline {
	dist := p.Dist
	if dist == "" {
		dist = "unstable"
	}
	return pipeline.Pipeline{
		Name: "aegir-apt",
		Steps: []pipeline.Step{
			firewallStep(p),
			pipeline.NewStep("user", sudoersCommand()),
			pipeline.NewStep("apt-sources",
				pipeline.Cmd("curl "+aegirKey+" | apt-key add -"),
				pipeline.Cmd(fmt.Sprintf("echo 'deb %s %s main' >> /etc/apt/sources.list", aegirRepo, dist)),
				pipeline.Cmd(fmt.Sprintf("echo 'deb %s %s main' >> /etc/apt/sources.list", backportsRepo, backports)),
				pipeline.Cmd("echo 'Package: drush' >> /etc/apt/preferences"),
				pipeline.Cmd("echo 'Pin: release a="+backports+"' >> /etc/apt/preferences"),
				pipeline.Cmd("echo 'Pin-Priority: 1001' >> /etc/apt/preferences"),
				pipeline.Cmd("apt-get update"),
			),
			pipeline.NewStep("install-aegir",
				pipeline.Cmd("apt-get install debconf-utils -y"),
				debconf("db_password password "+p.DBPassword),
				debconf("db_password seen true"),
				debconf("db_host string localhost"),
				debconf("email string "+p.Email),
				debconf("site string "+p.Domain),
				debconf("makefile string "+aegirMakefile),
				pipeline.Cmd("DPKG_DEBUG=developer DEBIAN_FRONTEND=noninteractive apt-get install aegir -y"),
			),
			pipeline.NewStep("provision-tests", aegir("drush @hostmaster provision-tests-run -y")),
		},
		BeforeDestroy: []pipeline.Step{
			pipeline.NewStep("uninstall-aegir", pipeline.Cmd("apt-get remove --purge aegir aegir-hostmaster aegir-provision drush -y")),
		},
	}
}

// AegirSource installs Aegir from a provision checkout with
// hostmaster-install. p.Platforms and p.Sites add the platform and site
// suites.
func AegirSource(p Params) pipeline.Pipeline {
	steps := []pipeline.Step{
		firewallStep(p),
		pipeline.NewStep("apache",
			pipeline.Cmd("a2enmod rewrite"),
			pipeline.Cmd("ln -s /var/aegir/config/apache.conf /etc/apache2/conf.d/aegir.conf"),
		),
		pipeline.NewStep("user",
			pipeline.Cmd("useradd -r -U -d /var/aegir -m -G www-data aegir"),
			sudoersCommand(),
		),
		pipeline.NewStep("drush",
			pipeline.Cmd(fmt.Sprintf("echo 'deb %s %s main' >> /etc/apt/sources.list", backportsRepo, backports)),
			pipeline.Cmd("apt-get update"),
			pipeline.Cmd("apt-get -y -t "+backports+" install drush"),
		),
		pipeline.NewStep("provision",
			aegir("mkdir ~/.drush"),
			aegir(fmt.Sprintf("git clone --branch %s %s ~/.drush/provision", provisionRef, provisionGit)),
		),
		pipeline.NewStep("hostmaster-install",
			aegir(fmt.Sprintf("drush hostmaster-install %s --client_email=%s --aegir_db_pass=%s --yes",
				p.Domain, shellQuote(p.Email), shellQuote(p.DBPassword))),
			aegir("drush -y @hostmaster vset hosting_queue_tasks_frequency 1"),
			dispatch(),
		),
	}
	if p.Platforms {
		for _, pl := range testPlatforms {
			steps = append(steps, pipeline.NewStep("platform-"+pl.Name,
				aegir(fmt.Sprintf("drush make %s/%s.build /var/aegir/platforms/%s", buildsURL, pl.Name, pl.Name)),
				aegir(fmt.Sprintf("drush --root='/var/aegir/platforms/%s' provision-save '@platform_%s' --context_type='platform'", pl.Name, pl.Name)),
				aegir(fmt.Sprintf("drush @hostmaster hosting-import '@platform_%s'", pl.Name)),
				dispatch(),
			))
		}
	}
	if p.Sites {
		suffix := p.SiteSuffix
		if suffix == "" {
			suffix = p.Domain
		}
		for _, pl := range testPlatforms {
			site := pl.Name + "." + suffix
			steps = append(steps, pipeline.NewStep("site-"+pl.Name,
				aegir(fmt.Sprintf("drush --uri='%s' provision-save '@%s' --context_type='site' --platform='@platform_%s' --profile='%s' --db_server='@server_localhost'",
					site, site, pl.Name, pl.Profile)),
				aegir(fmt.Sprintf("drush @%s provision-install", site)),
				aegir(fmt.Sprintf("drush @hostmaster hosting-task @platform_%s verify", pl.Name)),
				dispatch(),
			))
		}
	}
	return pipeline.Pipeline{Name: "aegir-source", Steps: steps}
}
